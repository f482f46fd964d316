package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, address common.Address) (uint64, error)
	// SendTransactions broadcasts signed transactions and returns their hashes
	// in input order.
	SendTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	Close()
}

// Resolver looks up chain clients by name.
type Resolver interface {
	Client(name string) (Client, bool)
	DefaultClient() (Client, error)
}

// ToHexBig renders n as a 0x-prefixed hex quantity.
func ToHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
