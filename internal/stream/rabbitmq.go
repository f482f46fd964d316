package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const endMessageType = "end"

// RabbitMQBrokerConfig 描述 RabbitMQ 代理的连接参数。
type RabbitMQBrokerConfig struct {
	URL      string
	Exchange string
	// TTL 为流存活队列在无人使用时的过期时间。
	TTL time.Duration
}

// RabbitMQBroker 通过 topic 交换机转发帧，路由键为流 ID；每个订阅者声明独占的
// 临时队列，流存活状态由一个带 x-expires 的标记队列表示。
type RabbitMQBroker struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
	ttl      time.Duration
}

// NewRabbitMQBroker 创建 RabbitMQ 代理实例。
func NewRabbitMQBroker(cfg RabbitMQBrokerConfig) (*RabbitMQBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "chainpilot.streams"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQBroker{conn: conn, ch: ch, exchange: exchange, ttl: ttl}, nil
}

func (b *RabbitMQBroker) presenceQueue(streamID string) string {
	return b.exchange + ".active." + streamID
}

// Open 实现 Broker 接口。
func (b *RabbitMQBroker) Open(_ context.Context, streamID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.ch.QueueDeclare(b.presenceQueue(streamID), false, false, false, false, amqp.Table{
		"x-expires": b.ttl.Milliseconds(),
	})
	return brokerError(err, "声明 RabbitMQ 流标记失败")
}

// Publish 实现 Broker 接口。
func (b *RabbitMQBroker) Publish(ctx context.Context, streamID string, frame []byte) error {
	return b.publish(ctx, streamID, amqp.Publishing{
		ContentType: "text/event-stream",
		Body:        frame,
	})
}

func (b *RabbitMQBroker) publish(ctx context.Context, streamID string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return brokerError(b.ch.PublishWithContext(ctx, b.exchange, streamID, false, false, msg), "RabbitMQ 发布帧失败")
}

// Close 实现 Broker 接口。
func (b *RabbitMQBroker) Close(ctx context.Context, streamID string) error {
	if err := b.publish(ctx, streamID, amqp.Publishing{Type: endMessageType}); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.ch.QueueDelete(b.presenceQueue(streamID), false, false, false)
	return brokerError(err, "删除 RabbitMQ 流标记失败")
}

// Active 实现 Broker 接口。被动声明不存在的队列会关闭所在 channel，因此使用临时 channel。
func (b *RabbitMQBroker) Active(_ context.Context, streamID string) (bool, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return false, brokerError(err, "创建 RabbitMQ channel 失败")
	}
	defer ch.Close()
	if _, err := ch.QueueDeclarePassive(b.presenceQueue(streamID), false, false, false, false, nil); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return false, nil
		}
		return false, brokerError(err, "查询 RabbitMQ 流标记失败")
	}
	return true, nil
}

// Subscribe 实现 Broker 接口。
func (b *RabbitMQBroker) Subscribe(_ context.Context, streamID string) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, brokerError(err, "创建 RabbitMQ channel 失败")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, brokerError(err, "声明 RabbitMQ 订阅队列失败")
	}
	if err := ch.QueueBind(q.Name, streamID, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, brokerError(err, "绑定 RabbitMQ 订阅队列失败")
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, brokerError(err, "订阅 RabbitMQ 队列失败")
	}
	return &rabbitSubscription{ch: ch, deliveries: deliveries}, nil
}

// Shutdown 实现 Broker 接口。
func (b *RabbitMQBroker) Shutdown() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type rabbitSubscription struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (s *rabbitSubscription) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.deliveries:
		if !ok || msg.Type == endMessageType {
			return nil, io.EOF
		}
		return msg.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *rabbitSubscription) Close() error {
	return s.ch.Close()
}
