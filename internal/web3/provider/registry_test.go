package provider

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/config"
	"ChainPilot/internal/web3"
)

type stubClient struct {
	closed bool
}

func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *stubClient) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (s *stubClient) SendTransactions(context.Context, []*types.Transaction) ([]common.Hash, error) {
	return nil, nil
}
func (s *stubClient) Close() { s.closed = true }

func TestStaticRegistryDefaults(t *testing.T) {
	a, b := &stubClient{}, &stubClient{}
	registry, err := NewStaticRegistry("", map[string]web3.Client{"sepolia": b, "mainnet": a})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	client, err := registry.DefaultClient()
	if err != nil || client != a {
		t.Fatalf("expected mainnet to be default, got %v %v", client, err)
	}
	if _, ok := registry.Client("sepolia"); !ok {
		t.Fatalf("expected sepolia to be registered")
	}
	if names := registry.Chains(); len(names) != 2 || names[0] != "mainnet" {
		t.Fatalf("unexpected chains %v", names)
	}
	registry.Close()
	if !a.closed || !b.closed {
		t.Fatalf("close should release every client")
	}
}

func TestStaticRegistryRejectsUnknownDefault(t *testing.T) {
	if _, err := NewStaticRegistry("polygon", map[string]web3.Client{"mainnet": &stubClient{}}); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
	if _, err := NewStaticRegistry("", nil); err == nil {
		t.Fatalf("expected error without clients")
	}
}

func TestNewRegistryFallsBackToRPCURL(t *testing.T) {
	registry, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:8545"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()
	if names := registry.Chains(); len(names) != 1 || names[0] != "default" {
		t.Fatalf("unexpected chains %v", names)
	}
}

func TestNewRegistryWithoutEndpoints(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error when no chain is configured")
	}
}
