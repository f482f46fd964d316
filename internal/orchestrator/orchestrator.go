// Package orchestrator 负责一轮对话的完整编排：准入校验、会话初始化、启动生成、
// 把事件中继到流代理，以及生成结束后的持久化。
//
// 生成任务与中继协程归 Orchestrator 所有，与发起请求的连接解耦；连接断开只会关闭
// 它自己的订阅。
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/approval"
	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/quota"
	"ChainPilot/internal/stream"
	"ChainPilot/internal/title"
	"ChainPilot/pkg/logger"
)

const (
	defaultBufferSize      = 64
	defaultPersistTimeout  = 30 * time.Second
	defaultSessionLifetime = 30 * time.Minute
)

// TurnRequest 是一次对话请求。Message 与 Messages 二选一：前者为新的用户消息，
// 后者为审批往返后客户端回传的完整消息列表。
type TurnRequest struct {
	ChatID                 string            `json:"id"`
	Message                *chat.Message     `json:"message,omitempty"`
	Messages               []chat.Message    `json:"messages,omitempty"`
	SelectedChatModel      string            `json:"selectedChatModel"`
	SelectedVisibilityType chat.Visibility   `json:"selectedVisibilityType,omitempty"`
	Context                map[string]string `json:"context,omitempty"`

	UserID   string `json:"-"`
	UserType string `json:"-"`
}

// Continuation 判断请求是否为审批后的续写。
func (r TurnRequest) Continuation() bool {
	return len(r.Messages) > 0
}

// Stream 是主连接对本轮生成的订阅。
type Stream struct {
	ID     string
	ChatID string

	sub  stream.Subscription
	done chan struct{}
}

// Recv 返回下一帧，流结束后返回 io.EOF。
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	return s.sub.Recv(ctx)
}

// Close 关闭订阅，生成不受影响。
func (s *Stream) Close() error {
	return s.sub.Close()
}

// Done 在结果持久化且流关闭后关闭。
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Orchestrator 编排对话请求。
type Orchestrator struct {
	store     chat.Store
	pipeline  *agent.Pipeline
	streams   *stream.Manager
	approvals *approval.Coordinator
	quota     quota.Checker
	titles    *title.Generator
	alerts    alerting.Dispatcher

	defaultModel   string
	bufferSize     int
	persistTimeout time.Duration
	lifetime       time.Duration
	newID          func() string
	now            func() time.Time
	logger         *slog.Logger
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithApprovals 配置审批协调器，需与 Pipeline 使用同一个实例。
func WithApprovals(coordinator *approval.Coordinator) Option {
	return func(o *Orchestrator) {
		o.approvals = coordinator
	}
}

// WithQuota 配置消息配额检查。
func WithQuota(checker quota.Checker) Option {
	return func(o *Orchestrator) {
		o.quota = checker
	}
}

// WithTitles 配置新会话的标题生成。
func WithTitles(generator *title.Generator) Option {
	return func(o *Orchestrator) {
		o.titles = generator
	}
}

// WithAlerts 配置告警分发。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithDefaultModel 设置请求未指定模型时使用的模型标识。
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		o.defaultModel = strings.TrimSpace(model)
	}
}

// WithBufferSize 设置生成管线与中继之间的通道容量。
func WithBufferSize(size int) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithPersistTimeout 设置生成结束后写库的超时时间。
func WithPersistTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.persistTimeout = timeout
		}
	}
}

// WithSessionLifetime 设置中继的最长存活时间。
func WithSessionLifetime(lifetime time.Duration) Option {
	return func(o *Orchestrator) {
		if lifetime > 0 {
			o.lifetime = lifetime
		}
	}
}

// WithIDGenerator 替换流与消息 ID 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建 Orchestrator。
func New(store chat.Store, pipeline *agent.Pipeline, streams *stream.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		pipeline:       pipeline,
		streams:        streams,
		bufferSize:     defaultBufferSize,
		persistTimeout: defaultPersistTimeout,
		lifetime:       defaultSessionLifetime,
		newID:          uuid.NewString,
		now:            time.Now,
		logger:         logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Submit 校验并启动一轮对话，返回主连接的订阅。返回错误时不会产生任何帧。
func (o *Orchestrator) Submit(ctx context.Context, req TurnRequest) (*Stream, error) {
	t, err := o.admit(ctx, req)
	if err != nil {
		metrics.ObserveTurn(admissionOutcome(err))
		return nil, err
	}
	s, err := o.launch(ctx, t)
	if err != nil {
		metrics.ObserveTurn("failed")
		o.alert(ctx, err, t.chatID, t.streamID)
		return nil, err
	}
	metrics.ObserveTurn("admitted")
	logger.Audit().Info("对话已受理",
		slog.String("chat_id", t.chatID),
		slog.String("stream_id", t.streamID),
		slog.String("user_id", req.UserID),
		slog.Bool("continuation", req.Continuation()))
	return s, nil
}

// turnState 保存一轮对话在准入阶段确定的状态。
type turnState struct {
	chatID   string
	streamID string
	model    string
	context  map[string]string
	// history 为交给生成管线的完整历史，同时作为插入与更新判定的依据。
	history []chat.Message
	// pending 为需要在生成前写入的用户消息。
	pending *chat.Message
	// first 非空时表示新建了会话，需要生成标题。
	first *chat.Message
}

func (o *Orchestrator) admit(ctx context.Context, req TurnRequest) (*turnState, error) {
	if err := o.validate(&req); err != nil {
		return nil, err
	}
	if o.quota != nil {
		allowed, err := o.quota.Allow(ctx, req.UserID, req.UserType)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, quota.ErrQuotaExceeded
		}
	}

	t := &turnState{chatID: req.ChatID, model: req.SelectedChatModel, context: req.Context}
	existing, err := o.store.GetChat(ctx, req.ChatID)
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		if req.Continuation() {
			return nil, err
		}
		existing = nil
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	case existing.UserID != req.UserID:
		return nil, chat.ErrChatForbidden
	}

	if req.Continuation() {
		history := make([]chat.Message, 0, len(req.Messages))
		for _, msg := range req.Messages {
			msg.ChatID = req.ChatID
			history = append(history, msg)
		}
		// 回传的消息 ID 必须属于本会话。
		if _, err := approval.BuildPlan(ctx, o.store, req.ChatID, history, history); err != nil {
			return nil, err
		}
		if err := o.checkModel(t.model); err != nil {
			return nil, err
		}
		t.history = history
		return t, nil
	}

	msg := req.Message.Clone()
	msg.ChatID = req.ChatID
	if msg.ID == "" {
		msg.ID = o.newID()
	}
	msg.CreatedAt = o.now().UTC()
	if err := o.checkModel(t.model); err != nil {
		return nil, err
	}

	if existing == nil {
		created := &chat.Chat{
			ID:         req.ChatID,
			UserID:     req.UserID,
			Title:      chat.DefaultTitle,
			Visibility: req.SelectedVisibilityType,
			CreatedAt:  o.now().UTC(),
		}
		if err := o.store.CreateChat(ctx, created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话失败")
		}
		t.first = &msg
	} else {
		persisted, err := o.store.ListMessages(ctx, req.ChatID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话消息失败")
		}
		t.history = persisted
	}
	t.history = append(t.history, msg)
	t.pending = &msg
	return t, nil
}

func (o *Orchestrator) validate(req *TurnRequest) error {
	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return xerrors.New(xerrors.CodeUnauthenticated, "缺少用户身份")
	}
	if (req.Message == nil) == (len(req.Messages) == 0) {
		return xerrors.New(xerrors.CodeInvalidArgument, "message 与 messages 必须且只能提供一个")
	}
	if req.Message != nil {
		if req.Message.Role != chat.RoleUser {
			return xerrors.New(xerrors.CodeInvalidArgument, "新消息必须来自用户")
		}
		if len(req.Message.Parts) == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
		}
	}
	for _, msg := range req.Messages {
		if msg.ID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "回传的消息缺少 ID")
		}
	}
	// 续写只能接在助手消息之后，新的用户消息应通过 message 提交。
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role != chat.RoleAssistant {
		return xerrors.New(xerrors.CodeInvalidArgument, "续写的最后一条消息必须来自助手")
	}
	req.SelectedChatModel = strings.TrimSpace(req.SelectedChatModel)
	if req.SelectedChatModel == "" {
		req.SelectedChatModel = o.defaultModel
	}
	if req.SelectedChatModel == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未指定模型")
	}
	if req.SelectedVisibilityType == "" {
		req.SelectedVisibilityType = chat.VisibilityPrivate
	}
	if !req.SelectedVisibilityType.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "可见范围取值无效",
			xerrors.WithMetadata("visibility", string(req.SelectedVisibilityType)))
	}
	return nil
}

func (o *Orchestrator) checkModel(model string) error {
	if o.pipeline == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置生成管线")
	}
	return o.pipeline.Check(model)
}

// launch 写入用户消息、登记并打开流，然后启动生成与中继。
func (o *Orchestrator) launch(ctx context.Context, t *turnState) (*Stream, error) {
	if t.pending != nil {
		if err := o.store.InsertMessages(ctx, []chat.Message{*t.pending}); err != nil {
			if xerrors.CodeOf(err) == chat.CodeMessageConflict {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存用户消息失败")
		}
		logger.Audit().Info("消息已写入",
			slog.String("chat_id", t.chatID), slog.String("message_id", t.pending.ID))
	}

	t.streamID = o.newID()
	if err := o.streams.Register(ctx, t.chatID, t.streamID); err != nil {
		return nil, err
	}
	broker := o.streams.Broker()
	if err := broker.Open(ctx, t.streamID); err != nil {
		return nil, err
	}
	sub, err := broker.Subscribe(ctx, t.streamID)
	if err != nil {
		_ = broker.Close(context.WithoutCancel(ctx), t.streamID)
		return nil, err
	}

	run, err := o.pipeline.Start(ctx, agent.Input{
		ChatID:  t.chatID,
		Model:   t.model,
		History: t.history,
		Context: t.context,
	}, o.bufferSize)
	if err != nil {
		_ = sub.Close()
		_ = broker.Close(context.WithoutCancel(ctx), t.streamID)
		return nil, err
	}

	s := &Stream{ID: t.streamID, ChatID: t.chatID, sub: sub, done: make(chan struct{})}
	metrics.GenerationStarted()
	go o.relay(context.WithoutCancel(ctx), t, run, s.done)
	return s, nil
}

// Respond 投递审批结果。审批 ID 未知或已处理时返回 approval.ErrApprovalNotFound。
func (o *Orchestrator) Respond(ctx context.Context, userID string, decision approval.Decision) error {
	if o.approvals == nil {
		return approval.ErrApprovalNotFound
	}
	chatID, ok := o.approvals.Lookup(decision.ApprovalID)
	if !ok {
		return approval.ErrApprovalNotFound
	}
	owner, err := o.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	if owner.UserID != userID {
		return chat.ErrChatForbidden
	}
	return o.approvals.Respond(decision)
}

// Resume 续传会话最近一次生成。私有会话只允许所有者续传。
func (o *Orchestrator) Resume(ctx context.Context, userID, chatID string) (*stream.Resumption, error) {
	if _, err := o.authorize(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return o.streams.Resume(ctx, chatID)
}

// Messages 返回会话的完整消息历史。
func (o *Orchestrator) Messages(ctx context.Context, userID, chatID string) ([]chat.Message, error) {
	if _, err := o.authorize(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话消息失败")
	}
	return msgs, nil
}

func (o *Orchestrator) authorize(ctx context.Context, userID, chatID string) (*chat.Chat, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	c, err := o.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, chat.ErrChatNotFound) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	if c.Visibility != chat.VisibilityPublic && c.UserID != userID {
		return nil, chat.ErrChatForbidden
	}
	return c, nil
}

func admissionOutcome(err error) string {
	switch xerrors.CodeOf(err) {
	case quota.CodeQuotaExceeded:
		return "quota-exceeded"
	case xerrors.CodeInvalidArgument, xerrors.CodeUnauthenticated:
		return "invalid"
	case chat.CodeChatNotFound, chat.CodeChatForbidden:
		return "rejected"
	default:
		return "failed"
	}
}
