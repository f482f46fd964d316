package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	goopenai "github.com/sashabaranov/go-openai"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/sse"
	"ChainPilot/pkg/logger"
)

const (
	defaultBaseURL       = "https://api.openai.com/v1"
	defaultHeaderTimeout = 60 * time.Second
	readBufferSize       = 4096
	maxErrorBody         = 4096
)

// Config 描述了调用 OpenAI 兼容 Chat Completions 接口所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	// HeaderTimeout 限制等待响应头的时间，不影响流式正文的读取。
	HeaderTimeout time.Duration
}

// Client 通过 HTTP 以流式方式调用 OpenAI 兼容接口。
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.HeaderTimeout
	if timeout <= 0 {
		timeout = defaultHeaderTimeout
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Accept-Encoding", "identity")
	httpClient.GetClient().Transport = headerTimeoutTransport(timeout)

	return &Client{http: httpClient, logger: logger.Named("llm.openai")}, nil
}

// Stream 发起流式推理请求，返回按顺序产出片段的流。
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	payload := buildRequest(req)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "调用 OpenAI 接口失败")
	}
	body := resp.RawBody()
	if body == nil {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "OpenAI 响应缺少正文")
	}
	if resp.StatusCode() >= 300 {
		defer body.Close()
		detail, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode(), strings.TrimSpace(string(detail))),
			statusOptions(resp.StatusCode())...)
	}

	return newStream(body, c.logger), nil
}

// statusOptions 按状态码区分可重试的限流或服务端错误与需要人工处理的鉴权错误。
func statusOptions(status int) []xerrors.Option {
	opts := []xerrors.Option{xerrors.WithMetadata("status", fmt.Sprint(status))}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		opts = append(opts, xerrors.WithRetryable(false), xerrors.WithSeverity(xerrors.SeverityCritical))
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		opts = append(opts, xerrors.WithRetryable(true))
	default:
		opts = append(opts, xerrors.WithRetryable(false))
	}
	return opts
}

func buildRequest(req llm.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		converted := goopenai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		messages = append(messages, converted)
	}

	out := goopenai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
	for _, tool := range req.Tools {
		var params any = json.RawMessage(`{"type":"object","properties":{}}`)
		if len(tool.Parameters) > 0 {
			params = tool.Parameters
		}
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// streamChunk 对应一次 chat.completion.chunk 负载。
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string              `json:"content"`
			ReasoningContent string              `json:"reasoning_content"`
			ToolCalls        []goopenai.ToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *goopenai.Usage `json:"usage"`
}

type pendingCall struct {
	id        string
	name      string
	arguments strings.Builder
}

type stream struct {
	body   io.ReadCloser
	framer *sse.Framer
	buf    []byte
	logger *slog.Logger

	queue        []llm.Chunk
	calls        map[int]*pendingCall
	finishReason string
	usage        *llm.Usage
	done         bool
}

func newStream(body io.ReadCloser, log *slog.Logger) *stream {
	return &stream{
		body:   body,
		framer: sse.NewFramer(sse.WithLogger(log)),
		buf:    make([]byte, readBufferSize),
		logger: log,
		calls:  make(map[int]*pendingCall),
	}
}

// Recv 实现 llm.Stream 接口。
func (s *stream) Recv(ctx context.Context) (llm.Chunk, error) {
	for {
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			return chunk, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return llm.Chunk{}, err
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			for _, frame := range s.framer.Push(s.buf[:n]) {
				s.handle(frame)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.Chunk{}, ctxErr
		}
		return llm.Chunk{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "读取 OpenAI 流失败")
	}
}

// Close 实现 llm.Stream 接口。
func (s *stream) Close() error {
	return s.body.Close()
}

func (s *stream) handle(frame sse.Frame) {
	if s.done {
		return
	}
	if frame.IsDone() {
		s.finish()
		return
	}
	if !frame.Valid {
		return
	}
	var payload streamChunk
	if err := frame.Decode(&payload); err != nil {
		s.logger.Warn("无法解析 OpenAI 流片段", slog.Any("error", err))
		return
	}
	if payload.Usage != nil {
		s.usage = &llm.Usage{InputTokens: payload.Usage.PromptTokens, OutputTokens: payload.Usage.CompletionTokens}
	}
	for _, choice := range payload.Choices {
		if choice.Delta.ReasoningContent != "" {
			s.queue = append(s.queue, llm.Chunk{Type: llm.ChunkReasoningDelta, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			s.queue = append(s.queue, llm.Chunk{Type: llm.ChunkTextDelta, Text: choice.Delta.Content})
		}
		for i, call := range choice.Delta.ToolCalls {
			index := i
			if call.Index != nil {
				index = *call.Index
			}
			s.accumulate(index, call)
		}
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
			s.flushToolCalls()
		}
	}
}

func (s *stream) accumulate(index int, call goopenai.ToolCall) {
	pending, ok := s.calls[index]
	if !ok {
		pending = &pendingCall{}
		s.calls[index] = pending
	}
	if call.ID != "" {
		pending.id = call.ID
	}
	if call.Function.Name != "" {
		pending.name = call.Function.Name
	}
	pending.arguments.WriteString(call.Function.Arguments)
}

func (s *stream) flushToolCalls() {
	if len(s.calls) == 0 {
		return
	}
	indexes := make([]int, 0, len(s.calls))
	for index := range s.calls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		pending := s.calls[index]
		args := strings.TrimSpace(pending.arguments.String())
		if args == "" {
			args = "{}"
		}
		s.queue = append(s.queue, llm.Chunk{
			Type: llm.ChunkToolCall,
			ToolCall: &llm.ToolCall{
				ID:        pending.id,
				Name:      pending.name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	s.calls = make(map[int]*pendingCall)
}

func (s *stream) finish() {
	if s.done {
		return
	}
	s.flushToolCalls()
	reason := mapFinishReason(s.finishReason)
	s.queue = append(s.queue, llm.Chunk{Type: llm.ChunkFinish, FinishReason: reason, Usage: s.usage})
	s.done = true
}

func mapFinishReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "tool_calls", "function_call":
		return "tool-calls"
	case "content_filter":
		return "content-filter"
	default:
		return reason
	}
}
