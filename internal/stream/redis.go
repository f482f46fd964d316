package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// endOfStream 标记流结束，帧本身总是 "data:" 开头，不会与之冲突。
const endOfStream = "\x00EOS"

// RedisBrokerConfig 描述 Redis 代理的连接参数。
type RedisBrokerConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// TTL 为流存活标记的过期时间，应不短于一次生成的最长时间。
	TTL time.Duration
}

// RedisBroker 使用 Redis 发布订阅转发帧，并以带过期时间的键标记流是否存活，
// 多个实例可以共享同一条流。
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBroker 创建 Redis 代理实例。
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisBrokerWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisBrokerWithClient 使用已有客户端创建代理。
func NewRedisBrokerWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBroker {
	if prefix == "" {
		prefix = "chainpilot"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisBroker{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBroker) channel(streamID string) string {
	return b.prefix + ":stream:" + streamID
}

func (b *RedisBroker) presenceKey(streamID string) string {
	return b.prefix + ":stream:" + streamID + ":active"
}

// Open 实现 Broker 接口。
func (b *RedisBroker) Open(ctx context.Context, streamID string) error {
	if err := b.client.Set(ctx, b.presenceKey(streamID), time.Now().UnixMilli(), b.ttl).Err(); err != nil {
		return brokerError(err, "Redis 标记流失败")
	}
	return nil
}

// Publish 实现 Broker 接口。
func (b *RedisBroker) Publish(ctx context.Context, streamID string, frame []byte) error {
	if err := b.client.Publish(ctx, b.channel(streamID), frame).Err(); err != nil {
		return brokerError(err, "Redis 发布帧失败")
	}
	return nil
}

// Close 实现 Broker 接口。
func (b *RedisBroker) Close(ctx context.Context, streamID string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.presenceKey(streamID))
	pipe.Publish(ctx, b.channel(streamID), endOfStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerError(err, "Redis 结束流失败")
	}
	return nil
}

// Active 实现 Broker 接口。
func (b *RedisBroker) Active(ctx context.Context, streamID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.presenceKey(streamID)).Result()
	if err != nil {
		return false, brokerError(err, "Redis 查询流状态失败")
	}
	return n > 0, nil
}

// Subscribe 实现 Broker 接口，返回前确认订阅已在服务端生效。
func (b *RedisBroker) Subscribe(ctx context.Context, streamID string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel(streamID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, brokerError(err, "Redis 订阅失败")
	}
	return &redisSubscription{ps: ps}, nil
}

// Shutdown 实现 Broker 接口。
func (b *RedisBroker) Shutdown() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Recv(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, io.EOF
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, brokerError(err, "Redis 接收帧失败")
	}
	if msg.Payload == endOfStream {
		return nil, io.EOF
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
