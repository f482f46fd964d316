package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// Retention 为登记表的保留时间，每次追加都会刷新，0 表示永久保留。
	Retention time.Duration
}

// RegistryStore 使用 Redis list 保存流登记，RPUSH 保证追加顺序。
type RegistryStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRegistryStore 创建 Redis 登记表。
func NewRegistryStore(cfg Config) (*RegistryStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRegistryStoreWithClient(client, cfg.KeyPrefix, cfg.Retention), nil
}

// NewRegistryStoreWithClient 使用已有客户端创建登记表。
func NewRegistryStoreWithClient(client goredis.UniversalClient, prefix string, retention time.Duration) *RegistryStore {
	if prefix == "" {
		prefix = "chainpilot"
	}
	return &RegistryStore{client: client, prefix: prefix, retention: retention}
}

func (s *RegistryStore) key(chatID string) string {
	return s.prefix + ":chat:" + chatID + ":streams"
}

// AppendStreamID 实现 chat.RegistryStore 接口。
func (s *RegistryStore) AppendStreamID(ctx context.Context, chatID, streamID string) error {
	if chatID == "" || streamID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 与流 ID 不能为空")
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key(chatID), streamID)
	if s.retention > 0 {
		pipe.Expire(ctx, s.key(chatID), s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 登记流失败")
	}
	return nil
}

// ListStreamIDs 实现 chat.RegistryStore 接口。
func (s *RegistryStore) ListStreamIDs(ctx context.Context, chatID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.key(chatID), 0, -1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 查询流登记失败")
	}
	return ids, nil
}

// Close 关闭 Redis 连接。
func (s *RegistryStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ chat.RegistryStore = (*RegistryStore)(nil)
