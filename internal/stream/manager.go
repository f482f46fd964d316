package stream

import (
	"context"
	"log/slog"
	"time"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/sse"
	"ChainPilot/pkg/logger"
)

// DefaultResumeWindow 是补发最后一条助手消息的默认时间窗口。
const DefaultResumeWindow = 15 * time.Second

// Mode 描述一次续传的结果。
type Mode string

const (
	// ModeLive 表示流仍在生成，订阅从当前位置继续。
	ModeLive Mode = "live"
	// ModeCatchUp 表示生成已结束，以一个补发事件代替完整回放。
	ModeCatchUp Mode = "catch-up"
	// ModeEmpty 表示没有可续传的内容。
	ModeEmpty Mode = "empty"
)

// Resumption 是 Resume 的结果。ModeLive 时 Subscription 非空，ModeCatchUp 时
// Frames 为需要写出的完整帧（含结束标记）。
type Resumption struct {
	Mode         Mode
	StreamID     string
	Subscription Subscription
	Frames       [][]byte
}

// MessageLister 是读取会话历史的最小能力。
type MessageLister interface {
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)
}

// Manager 登记生成流并处理续传请求。
type Manager struct {
	registry chat.RegistryStore
	messages MessageLister
	broker   Broker
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithResumeWindow 设置补发窗口。
func WithResumeWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建 Manager。
func NewManager(registry chat.RegistryStore, messages MessageLister, broker Broker, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		messages: messages,
		broker:   broker,
		window:   DefaultResumeWindow,
		now:      time.Now,
		logger:   logger.Named("stream"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Broker 返回底层代理。
func (m *Manager) Broker() Broker { return m.broker }

// Register 把流 ID 追加到会话的登记表。
func (m *Manager) Register(ctx context.Context, chatID, streamID string) error {
	if err := m.registry.AppendStreamID(ctx, chatID, streamID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记流失败",
			xerrors.WithMetadata("chat_id", chatID))
	}
	logger.Audit().Info("流已登记", slog.String("chat_id", chatID), slog.String("stream_id", streamID))
	return nil
}

// Resume 续传会话最近的一次生成。
func (m *Manager) Resume(ctx context.Context, chatID string) (*Resumption, error) {
	res, err := m.resume(ctx, chatID)
	if err != nil {
		if xerrors.CodeOf(err) == CodeStreamNotFound {
			metrics.ObserveResume("not-found")
		}
		return nil, err
	}
	metrics.ObserveResume(string(res.Mode))
	logger.Audit().Info("流续传",
		slog.String("chat_id", chatID),
		slog.String("stream_id", res.StreamID),
		slog.String("mode", string(res.Mode)))
	return res, nil
}

func (m *Manager) resume(ctx context.Context, chatID string) (*Resumption, error) {
	ids, err := m.registry.ListStreamIDs(ctx, chatID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取流登记失败")
	}
	if len(ids) == 0 {
		return nil, ErrStreamNotFound
	}
	streamID := ids[len(ids)-1]

	// 先订阅再检查存活，避免检查与订阅之间结束的流丢失结束标记。
	sub, err := m.broker.Subscribe(ctx, streamID)
	if err != nil {
		return nil, err
	}
	active, err := m.broker.Active(ctx, streamID)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	if active {
		return &Resumption{Mode: ModeLive, StreamID: streamID, Subscription: sub}, nil
	}
	_ = sub.Close()

	msgs, err := m.messages.ListMessages(ctx, chatID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话消息失败")
	}
	empty := &Resumption{Mode: ModeEmpty, StreamID: streamID}
	if len(msgs) == 0 {
		return empty, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant {
		return empty, nil
	}
	if age := m.now().Sub(last.CreatedAt); age > m.window {
		m.logger.Debug("最后一条助手消息超出补发窗口",
			slog.String("chat_id", chatID), slog.Duration("age", age))
		return empty, nil
	}

	event, err := chat.AppendMessageEvent(last)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码补发消息失败")
	}
	frame, err := sse.Encode(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码补发消息失败")
	}
	return &Resumption{
		Mode:     ModeCatchUp,
		StreamID: streamID,
		Frames:   [][]byte{frame, sse.Done},
	}, nil
}
