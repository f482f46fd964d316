package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	xerrors "ChainPilot/internal/errors"
)

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall 是模型发起的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec 描述可供模型调用的工具。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request 描述一次流式推理请求。
type Request struct {
	// Model 为供应商侧的模型名称。
	Model    string     `json:"model"`
	System   string     `json:"system,omitempty"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// ChunkType 表示流式输出片段的类型。
type ChunkType string

const (
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkToolCall       ChunkType = "tool-call"
	ChunkFinish         ChunkType = "finish"
)

// Usage 记录一次调用的令牌消耗。
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Chunk 是模型流式输出的一个片段。
type Chunk struct {
	Type         ChunkType `json:"type"`
	Text         string    `json:"text,omitempty"`
	ToolCall     *ToolCall `json:"toolCall,omitempty"`
	FinishReason string    `json:"finishReason,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
}

// Stream 按顺序产出片段，结束时返回 io.EOF。
type Stream interface {
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// Model 定义了流式调用大模型的统一接口。
type Model interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Resolver 把界面上选择的模型标识解析为可调用的模型。
type Resolver interface {
	Resolve(selector string) (Model, string, error)
}

const (
	CodeModelUnavailable xerrors.Code = "MODEL_UNAVAILABLE"
)

// ErrModelUnavailable 表示请求的模型标识无法解析。
var ErrModelUnavailable = xerrors.New(CodeModelUnavailable, "model unavailable")

func init() {
	xerrors.Register(CodeModelUnavailable, xerrors.Attributes{
		Message:  "model unavailable",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
}

// Catalog 把模型标识映射到同一供应商下的具体模型名称。
type Catalog struct {
	model   Model
	aliases map[string]string
}

// NewCatalog 创建 Catalog。
func NewCatalog(model Model, aliases map[string]string) *Catalog {
	copied := make(map[string]string, len(aliases))
	for k, v := range aliases {
		copied[k] = v
	}
	return &Catalog{model: model, aliases: copied}
}

// Resolve 实现 Resolver 接口。
func (c *Catalog) Resolve(selector string) (Model, string, error) {
	name, ok := c.aliases[strings.TrimSpace(selector)]
	if !ok || c.model == nil {
		return nil, "", xerrors.New(CodeModelUnavailable, "未知的模型标识: "+selector,
			xerrors.WithMetadata("model", selector))
	}
	return c.model, name, nil
}

// Collect 读完整个流并返回拼接后的文本。
func Collect(ctx context.Context, stream Stream) (string, error) {
	defer stream.Close()
	var builder strings.Builder
	for {
		chunk, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return builder.String(), nil
		}
		if err != nil {
			return builder.String(), err
		}
		if chunk.Type == ChunkTextDelta {
			builder.WriteString(chunk.Text)
		}
	}
}
