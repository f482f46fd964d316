package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeNode answers the handful of JSON-RPC methods the client uses.
type fakeNode struct {
	mu      sync.Mutex
	methods []string
	raws    []string
}

func (n *fakeNode) answer(req rpcRequest) rpcResponse {
	n.mu.Lock()
	n.methods = append(n.methods, req.Method)
	n.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "eth_chainId":
		resp.Result = "0x539"
	case "eth_blockNumber":
		resp.Result = "0x10"
	case "eth_getBalance":
		resp.Result = "0xde0b6b3a7640000"
	case "eth_getTransactionCount":
		resp.Result = "0x7"
	case "eth_sendRawTransaction":
		raw, _ := req.Params[0].(string)
		n.mu.Lock()
		n.raws = append(n.raws, raw)
		n.mu.Unlock()
		var tx coretypes.Transaction
		if err := tx.UnmarshalBinary(common.FromHex(raw)); err != nil {
			resp.Error = &rpcError{Code: -32000, Message: err.Error()}
			break
		}
		resp.Result = tx.Hash().Hex()
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	}
	return resp
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		var batch []rpcRequest
		_ = json.Unmarshal(body, &batch)
		out := make([]rpcResponse, 0, len(batch))
		for _, req := range batch {
			out = append(out, n.answer(req))
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	var req rpcRequest
	_ = json.Unmarshal(body, &req)
	_ = json.NewEncoder(w).Encode(n.answer(req))
}

func signedTx(t *testing.T, nonce uint64) *coretypes.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signed, err := coretypes.SignTx(tx, coretypes.NewEIP155Signer(big.NewInt(1337)), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return signed
}

func newTestClient(t *testing.T) (*Client, *fakeNode) {
	t.Helper()
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{Name: "devnet", RPCURL: srv.URL, Notes: "local"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client, node
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without rpc url")
	}
}

func TestFetchChainSnapshot(t *testing.T) {
	client, _ := newTestClient(t)
	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.Chain != "devnet" || snapshot.ChainID != "0x539" || snapshot.BlockNumber != "0x10" || snapshot.Notes != "local" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestBalanceAndNonce(t *testing.T) {
	client, _ := newTestClient(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	balance, err := client.BalanceAt(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "1000000000000000000" {
		t.Fatalf("unexpected balance %s", balance)
	}
	nonce, err := client.PendingNonceAt(context.Background(), addr)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 7 {
		t.Fatalf("unexpected nonce %d", nonce)
	}
}

func TestSendTransactionsUsesBatch(t *testing.T) {
	client, node := newTestClient(t)
	txs := []*coretypes.Transaction{signedTx(t, 0), signedTx(t, 1)}

	hashes, err := client.SendTransactions(context.Background(), txs)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(hashes) != 2 || hashes[0] != txs[0].Hash() || hashes[1] != txs[1].Hash() {
		t.Fatalf("unexpected hashes %v", hashes)
	}
	if len(node.raws) != 2 {
		t.Fatalf("expected two raw transactions, got %d", len(node.raws))
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	client, _ := newTestClient(t)
	client.Close()
	if _, err := client.FetchChainSnapshot(context.Background()); err == nil {
		t.Fatalf("expected error after close")
	}
	if _, err := client.SendTransactions(context.Background(), []*coretypes.Transaction{signedTx(t, 0)}); err == nil {
		t.Fatalf("expected error after close")
	}
}
