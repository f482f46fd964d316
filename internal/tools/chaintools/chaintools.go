// Package chaintools 提供读取链上状态与广播已签名交易的工具。
package chaintools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/web3"
)

// 会话上下文中与钱包相关的键。
const (
	ContextChain   = "chain"
	ContextAddress = "address"
)

type chainInput struct {
	Chain string `json:"chain"`
}

type addressInput struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

type rawTxInput struct {
	Chain          string `json:"chain"`
	RawTransaction string `json:"rawTransaction"`
}

var (
	chainSchema = json.RawMessage(`{"type":"object","properties":{"chain":{"type":"string","description":"chain name, defaults to the wallet chain"}}}`)
	addrSchema  = json.RawMessage(`{"type":"object","properties":{"chain":{"type":"string"},"address":{"type":"string","description":"0x-prefixed account address, defaults to the connected wallet"}}}`)
	rawTxSchema = json.RawMessage(`{"type":"object","properties":{"chain":{"type":"string"},"rawTransaction":{"type":"string","description":"0x-prefixed RLP encoded signed transaction"}},"required":["rawTransaction"]}`)
)

// New 返回全部链上工具。
func New(chains web3.Resolver) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "get_chain_snapshot",
			Description: "Return the chain id and latest block number of a configured chain.",
			Schema:      chainSchema,
			Execute: func(ctx context.Context, call tools.Call) (any, error) {
				var in chainInput
				if err := call.Decode(&in); err != nil {
					return nil, err
				}
				client, err := resolve(chains, in.Chain, call)
				if err != nil {
					return nil, err
				}
				snapshot, err := client.FetchChainSnapshot(ctx)
				if err != nil {
					return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "获取链信息失败")
				}
				return snapshot, nil
			},
		},
		{
			Name:        "get_balance",
			Description: "Return the balance in wei of an account.",
			Schema:      addrSchema,
			Execute: func(ctx context.Context, call tools.Call) (any, error) {
				client, address, err := resolveAddress(chains, call)
				if err != nil {
					return nil, err
				}
				balance, err := client.BalanceAt(ctx, address)
				if err != nil {
					return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "查询余额失败")
				}
				return map[string]string{"address": address.Hex(), "balanceWei": balance.String(), "balanceHex": web3.ToHexBig(balance)}, nil
			},
		},
		{
			Name:        "get_transaction_count",
			Description: "Return the next nonce of an account including pending transactions.",
			Schema:      addrSchema,
			Execute: func(ctx context.Context, call tools.Call) (any, error) {
				client, address, err := resolveAddress(chains, call)
				if err != nil {
					return nil, err
				}
				nonce, err := client.PendingNonceAt(ctx, address)
				if err != nil {
					return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "查询交易计数失败")
				}
				return map[string]any{"address": address.Hex(), "nonce": nonce}, nil
			},
		},
		{
			Name:          "send_raw_transaction",
			Description:   "Broadcast a transaction that the user already signed in their wallet.",
			Schema:        rawTxSchema,
			NeedsApproval: true,
			Execute: func(ctx context.Context, call tools.Call) (any, error) {
				var in rawTxInput
				if err := call.Decode(&in); err != nil {
					return nil, err
				}
				tx, err := DecodeTransaction(in.RawTransaction)
				if err != nil {
					return nil, err
				}
				client, err := resolve(chains, in.Chain, call)
				if err != nil {
					return nil, err
				}
				hashes, err := client.SendTransactions(ctx, []*types.Transaction{tx})
				if err != nil {
					return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "广播交易失败")
				}
				return describe(tx, hashes[0]), nil
			},
		},
	}
}

// DecodeTransaction 解析十六进制编码的已签名交易。
func DecodeTransaction(raw string) (*types.Transaction, error) {
	payload, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, xerrors.Wrap(tools.CodeInvalidInput, err, "交易必须是 0x 开头的十六进制字符串")
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(payload); err != nil {
		return nil, xerrors.Wrap(tools.CodeInvalidInput, err, "无法解析交易")
	}
	return &tx, nil
}

func describe(tx *types.Transaction, hash common.Hash) map[string]any {
	out := map[string]any{
		"hash":     hash.Hex(),
		"nonce":    tx.Nonce(),
		"valueWei": tx.Value().String(),
		"gas":      tx.Gas(),
	}
	if to := tx.To(); to != nil {
		out["to"] = to.Hex()
	}
	if id := tx.ChainId(); id != nil && id.Sign() > 0 {
		out["chainId"] = web3.ToHexBig(id)
	}
	return out
}

func resolve(chains web3.Resolver, name string, call tools.Call) (web3.Client, error) {
	if chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(call.Context[ContextChain])
	}
	if name == "" {
		return chains.DefaultClient()
	}
	client, ok := chains.Client(name)
	if !ok {
		return nil, xerrors.New(tools.CodeInvalidInput, fmt.Sprintf("未知的链: %s", name))
	}
	return client, nil
}

func resolveAddress(chains web3.Resolver, call tools.Call) (web3.Client, common.Address, error) {
	var in addressInput
	if err := call.Decode(&in); err != nil {
		return nil, common.Address{}, err
	}
	address := strings.TrimSpace(in.Address)
	if address == "" {
		address = strings.TrimSpace(call.Context[ContextAddress])
	}
	if !common.IsHexAddress(address) {
		return nil, common.Address{}, xerrors.New(tools.CodeInvalidInput, fmt.Sprintf("无效的地址: %q", address))
	}
	client, err := resolve(chains, in.Chain, call)
	if err != nil {
		return nil, common.Address{}, err
	}
	return client, common.HexToAddress(address), nil
}
