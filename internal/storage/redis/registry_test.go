package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// 需要设置 CHAINPILOT_TEST_REDIS_ADDR 指向一个可写的 Redis 实例。
func newTestStore(t *testing.T) *RegistryStore {
	t.Helper()
	addr := os.Getenv("CHAINPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAINPILOT_TEST_REDIS_ADDR not set")
	}
	store, err := NewRegistryStore(Config{Address: addr, KeyPrefix: "chainpilot-test", Retention: time.Minute})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegistryStoreAppendKeepsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	chatID := uuid.NewString()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := store.AppendStreamID(ctx, chatID, id); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	ids, err := store.ListStreamIDs(ctx, chatID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 || ids[0] != "s1" || ids[2] != "s3" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestRegistryStoreEmptyChat(t *testing.T) {
	store := newTestStore(t)
	ids, err := store.ListStreamIDs(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
}

func TestRegistryStoreRejectsEmptyIDs(t *testing.T) {
	store := NewRegistryStoreWithClient(nil, "", 0)
	if err := store.AppendStreamID(context.Background(), "", "s1"); err == nil {
		t.Fatal("expected error for empty chat id")
	}
}
