package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ChainPilot/internal/approval"
	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/tools"
	"ChainPilot/pkg/logger"
)

const (
	defaultMaxSteps        = 5
	defaultSessionLifetime = 30 * time.Minute
	defaultBuffer          = 64
)

// Input 描述一轮生成的输入。
type Input struct {
	ChatID string
	// Model 为界面上选择的模型标识。
	Model string
	// History 为完整的有序历史。最后一条为助手消息时视为审批后的续写。
	History []chat.Message
	// Context 为钱包等上下文，原样传给工具。
	Context map[string]string
	// ResponseID 为新助手消息的 ID，为空时自动生成。
	ResponseID string
}

// Result 是一轮生成的最终结果。
type Result struct {
	// Messages 为本轮产生或更新的消息，出错时包含已生成的部分。
	Messages     []chat.Message
	FinishReason string
	Usage        llm.Usage
	Err          error
}

// Pipeline 把大模型与工具的执行过程转换为界面事件。
type Pipeline struct {
	models      llm.Resolver
	tools       *tools.Registry
	approvals   *approval.Coordinator
	system      string
	maxSteps    int
	stepTimeout time.Duration
	lifetime    time.Duration
	newID       func() string
	logger      *slog.Logger
}

// Option 定义可选的 Pipeline 配置。
type Option func(*Pipeline)

// WithTools 配置可供模型调用的工具。
func WithTools(registry *tools.Registry) Option {
	return func(p *Pipeline) {
		p.tools = registry
	}
}

// WithApprovals 配置审批协调器。未配置时需要审批的调用会结束本轮，由客户端续写。
func WithApprovals(coordinator *approval.Coordinator) Option {
	return func(p *Pipeline) {
		p.approvals = coordinator
	}
}

// WithSystemPrompt 设置系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(p *Pipeline) {
		p.system = prompt
	}
}

// WithMaxSteps 设置一轮中模型调用的最大次数。
func WithMaxSteps(steps int) Option {
	return func(p *Pipeline) {
		if steps > 0 {
			p.maxSteps = steps
		}
	}
}

// WithStepTimeout 设置单次模型调用的超时时间，0 表示不限制。
func WithStepTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout < 0 {
			timeout = 0
		}
		p.stepTimeout = timeout
	}
}

// WithSessionLifetime 设置一轮生成的最长存活时间，包含等待审批的时间。
func WithSessionLifetime(lifetime time.Duration) Option {
	return func(p *Pipeline) {
		if lifetime > 0 {
			p.lifetime = lifetime
		}
	}
}

// WithIDGenerator 替换事件与消息 ID 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// New 创建 Pipeline。
func New(models llm.Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		models:   models,
		maxSteps: defaultMaxSteps,
		lifetime: defaultSessionLifetime,
		newID:    uuid.NewString,
		logger:   logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 是一轮正在进行的生成。
type Run struct {
	events chan chat.Event
	done   chan struct{}
	result Result
}

// Events 返回有序的事件通道，最后一个事件之后通道关闭。
func (r *Run) Events() <-chan chat.Event { return r.events }

// Done 在生成结束后关闭。
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait 阻塞直到生成结束并返回结果。调用方需要同时消费 Events，否则通道写满后
// 管线会停在发送处。
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// Check 确认模型标识可以解析，供调用方在写入任何状态之前拒绝请求。
func (p *Pipeline) Check(model string) error {
	if p.models == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型")
	}
	_, _, err := p.models.Resolve(model)
	return err
}

// Start 校验输入并启动一轮生成。模型无法解析等启动错误在产生任何事件前返回。
// 生成在脱离 ctx 取消信号的上下文中运行，只受会话存活时间约束。
func (p *Pipeline) Start(ctx context.Context, in Input, buffer int) (*Run, error) {
	if p.models == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型")
	}
	if len(in.History) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话历史不能为空")
	}
	model, modelName, err := p.models.Resolve(in.Model)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.lifetime)
	run := &Run{
		events: make(chan chat.Event, buffer),
		done:   make(chan struct{}),
	}
	t := &turn{
		p:         p,
		in:        in,
		model:     model,
		modelName: modelName,
		events:    run.events,
	}
	go func() {
		defer cancel()
		run.result = t.run(runCtx)
		close(run.events)
		close(run.done)
	}()
	return run, nil
}

// turn 保存一轮生成的可变状态，只在生成协程内访问。
type turn struct {
	p         *Pipeline
	in        Input
	model     llm.Model
	modelName string
	events    chan<- chat.Event

	prior    []chat.Message
	response chat.Message
	usage    llm.Usage

	textPart      *chat.TextPart
	textID        string
	reasoningPart *chat.ReasoningPart
	reasoningID   string
}

func (t *turn) run(ctx context.Context) Result {
	t.prepare()
	reason, err := t.loop(ctx)
	result := Result{
		Messages:     []chat.Message{t.response},
		FinishReason: reason,
		Usage:        t.usage,
		Err:          err,
	}
	if err != nil {
		t.p.logger.Warn("生成失败",
			slog.String("chat_id", t.in.ChatID),
			slog.String("message_id", t.response.ID),
			slog.String("error", err.Error()))
		// 错误事件之后不再有其他事件。
		t.send(context.WithoutCancel(ctx), chat.Event{Type: chat.EventError, ErrorText: errorText(err)})
		return result
	}
	t.send(ctx, chat.Event{Type: chat.EventFinish, FinishReason: reason})
	return result
}

// prepare 确定响应消息：续写时沿用最后一条助手消息的 ID 与片段。
func (t *turn) prepare() {
	history := t.in.History
	last := history[len(history)-1]
	if last.Role == chat.RoleAssistant {
		t.prior = history[:len(history)-1]
		t.response = last.Clone()
		t.response.ChatID = t.in.ChatID
		return
	}
	t.prior = history
	id := t.in.ResponseID
	if id == "" {
		id = t.p.newID()
	}
	t.response = chat.Message{
		ID:        id,
		ChatID:    t.in.ChatID,
		Role:      chat.RoleAssistant,
		CreatedAt: time.Now(),
	}
}

func (t *turn) loop(ctx context.Context) (string, error) {
	if err := t.send(ctx, chat.Event{Type: chat.EventStart, MessageID: t.response.ID}); err != nil {
		return "", err
	}
	if err := t.resolveResponded(ctx); err != nil {
		return "", err
	}

	reason := "stop"
	for step := 0; step < t.p.maxSteps; step++ {
		calls, stepReason, err := t.step(ctx)
		if err != nil {
			return "", err
		}
		reason = stepReason
		if len(calls) == 0 {
			return reason, nil
		}
		proceed, err := t.executeCalls(ctx, calls)
		if err != nil {
			return "", err
		}
		if !proceed {
			return reason, nil
		}
	}
	return reason, nil
}

// step 执行一次模型调用并返回模型请求的工具调用。
func (t *turn) step(ctx context.Context) ([]*chat.ToolPart, string, error) {
	if err := t.send(ctx, chat.Event{Type: chat.EventStartStep}); err != nil {
		return nil, "", err
	}
	t.response.Parts = append(t.response.Parts, &chat.StepStartPart{})

	stepCtx := ctx
	if t.p.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, t.p.stepTimeout)
		defer cancel()
	}

	stream, err := t.model.Stream(stepCtx, t.request())
	if err != nil {
		return nil, "", providerError(err)
	}
	defer stream.Close()

	var calls []*chat.ToolPart
	reason := "stop"
	for {
		chunk, err := stream.Recv(stepCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", providerError(err)
		}
		switch chunk.Type {
		case llm.ChunkTextDelta:
			err = t.textDelta(ctx, chunk.Text)
		case llm.ChunkReasoningDelta:
			err = t.reasoningDelta(ctx, chunk.Text)
		case llm.ChunkToolCall:
			var part *chat.ToolPart
			part, err = t.toolCall(ctx, chunk.ToolCall)
			if part != nil {
				calls = append(calls, part)
			}
		case llm.ChunkFinish:
			if chunk.FinishReason != "" {
				reason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				t.usage.InputTokens += chunk.Usage.InputTokens
				t.usage.OutputTokens += chunk.Usage.OutputTokens
			}
		}
		if err != nil {
			return nil, "", err
		}
	}
	if err := t.closeBlocks(ctx); err != nil {
		return nil, "", err
	}
	if err := t.send(ctx, chat.Event{Type: chat.EventFinishStep}); err != nil {
		return nil, "", err
	}
	return calls, reason, nil
}

func (t *turn) request() llm.Request {
	messages := toLLMMessages(t.prior)
	messages = append(messages, toLLMMessages([]chat.Message{t.response})...)
	req := llm.Request{
		Model:    t.modelName,
		System:   t.p.system,
		Messages: messages,
	}
	if t.p.tools != nil {
		req.Tools = t.p.tools.Specs()
	}
	return req
}

func (t *turn) textDelta(ctx context.Context, delta string) error {
	if t.reasoningPart != nil {
		if err := t.closeReasoning(ctx); err != nil {
			return err
		}
	}
	if t.textPart == nil {
		t.textID = t.p.newID()
		t.textPart = &chat.TextPart{State: "streaming"}
		t.response.Parts = append(t.response.Parts, t.textPart)
		if err := t.send(ctx, chat.Event{Type: chat.EventTextStart, ID: t.textID}); err != nil {
			return err
		}
	}
	t.textPart.Text += delta
	return t.send(ctx, chat.Event{Type: chat.EventTextDelta, ID: t.textID, Delta: delta})
}

func (t *turn) reasoningDelta(ctx context.Context, delta string) error {
	if t.textPart != nil {
		if err := t.closeText(ctx); err != nil {
			return err
		}
	}
	if t.reasoningPart == nil {
		t.reasoningID = t.p.newID()
		t.reasoningPart = &chat.ReasoningPart{State: "streaming"}
		t.response.Parts = append(t.response.Parts, t.reasoningPart)
		if err := t.send(ctx, chat.Event{Type: chat.EventReasoningStart, ID: t.reasoningID}); err != nil {
			return err
		}
	}
	t.reasoningPart.Text += delta
	return t.send(ctx, chat.Event{Type: chat.EventReasoningDelta, ID: t.reasoningID, Delta: delta})
}

func (t *turn) closeText(ctx context.Context) error {
	t.textPart.State = "done"
	t.textPart = nil
	return t.send(ctx, chat.Event{Type: chat.EventTextEnd, ID: t.textID})
}

func (t *turn) closeReasoning(ctx context.Context) error {
	t.reasoningPart.State = "done"
	t.reasoningPart = nil
	return t.send(ctx, chat.Event{Type: chat.EventReasoningEnd, ID: t.reasoningID})
}

func (t *turn) closeBlocks(ctx context.Context) error {
	if t.textPart != nil {
		if err := t.closeText(ctx); err != nil {
			return err
		}
	}
	if t.reasoningPart != nil {
		return t.closeReasoning(ctx)
	}
	return nil
}

func (t *turn) toolCall(ctx context.Context, call *llm.ToolCall) (*chat.ToolPart, error) {
	if call == nil {
		return nil, nil
	}
	if err := t.closeBlocks(ctx); err != nil {
		return nil, err
	}
	id := call.ID
	if id == "" {
		id = t.p.newID()
	}
	input, valid := toolInput(call.Arguments)
	part := &chat.ToolPart{
		ToolName:   call.Name,
		ToolCallID: id,
		State:      chat.ToolInputAvailable,
		Input:      input,
	}
	t.response.Parts = append(t.response.Parts, part)
	if err := t.send(ctx, chat.Event{
		Type:       chat.EventToolInputAvailable,
		ToolCallID: part.ToolCallID,
		ToolName:   part.ToolName,
		Input:      part.Input,
	}); err != nil {
		return nil, err
	}
	if !valid {
		// 参数被截断时不执行工具，原始文本以字符串保留在片段中。
		return part, t.fail(ctx, part, "工具参数不是合法的 JSON")
	}
	return part, nil
}

// toolInput 返回可安全编码的工具参数，第二个返回值表示参数是否合法。
func toolInput(raw json.RawMessage) (json.RawMessage, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), true
	}
	if json.Valid(raw) {
		return raw, true
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return json.RawMessage(`{}`), false
	}
	return quoted, false
}

// send 把事件写入有界通道，通道写满时阻塞。
func (t *turn) send(ctx context.Context, event chat.Event) error {
	select {
	case t.events <- event:
		return nil
	case <-ctx.Done():
		return sessionError(ctx.Err())
	}
}

func providerError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
	}
	return xerrors.Wrap(xerrors.CodeProviderFailure, err, "大模型推理失败")
}

func sessionError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "会话已超时")
	}
	return xerrors.Wrap(xerrors.CodeUnknown, err, "会话已取消",
		xerrors.WithSeverity(xerrors.SeverityInfo), xerrors.WithAlert(false))
}

func errorText(err error) string {
	if coded, ok := xerrors.From(err); ok {
		return coded.Message()
	}
	return err.Error()
}
