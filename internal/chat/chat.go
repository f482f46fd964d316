// Package chat 定义会话、消息、消息片段与界面事件等核心数据模型，
// 以及持久化所需的存储接口。
package chat

import (
	"net/http"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Visibility 表示会话的可见范围。
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid 判断可见范围是否合法。
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// DefaultTitle 是标题生成完成前会话使用的占位标题。
const DefaultTitle = "New chat"

// Chat 描述一次会话。
type Chat struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Message 是会话中的一条消息，内容由有序的片段构成。
type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chatId,omitempty"`
	Role      Role           `json:"role"`
	Parts     Parts          `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	clone := m
	clone.Parts = m.Parts.Clone()
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// Text 拼接消息中所有文本片段。
func (m Message) Text() string {
	var out []byte
	for _, part := range m.Parts {
		if text, ok := part.(*TextPart); ok {
			if len(out) > 0 {
				out = append(out, '\n')
			}
			out = append(out, text.Text...)
		}
	}
	return string(out)
}

// ToolPart 按工具调用 ID 查找工具片段。
func (m Message) ToolPart(toolCallID string) (*ToolPart, bool) {
	for _, part := range m.Parts {
		if tool, ok := part.(*ToolPart); ok && tool.ToolCallID == toolCallID {
			return tool, true
		}
	}
	return nil, false
}

// StreamRegistration 记录会话上一次生成所使用的流 ID。
type StreamRegistration struct {
	ChatID    string    `json:"chatId"`
	StreamID  string    `json:"streamId"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	CodeChatNotFound     xerrors.Code = "CHAT_NOT_FOUND"
	CodeChatForbidden    xerrors.Code = "CHAT_FORBIDDEN"
	CodeMessageNotFound  xerrors.Code = "MESSAGE_NOT_FOUND"
	CodeMessageConflict  xerrors.Code = "MESSAGE_CONFLICT"
	CodeInvalidPart      xerrors.Code = "INVALID_MESSAGE_PART"
	CodeInvalidToolState xerrors.Code = "INVALID_TOOL_STATE"
)

var (
	// ErrChatNotFound 表示会话不存在。
	ErrChatNotFound = xerrors.New(CodeChatNotFound, "chat not found")
	// ErrChatForbidden 表示会话不属于当前用户。
	ErrChatForbidden = xerrors.New(CodeChatForbidden, "chat belongs to another user")
	// ErrMessageNotFound 表示消息不存在。
	ErrMessageNotFound = xerrors.New(CodeMessageNotFound, "message not found")
	// ErrMessageConflict 表示消息 ID 已被占用。
	ErrMessageConflict = xerrors.New(CodeMessageConflict, "message already exists")
)

func init() {
	xerrors.Register(CodeChatNotFound, xerrors.Attributes{
		Message:  "chat not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeChatForbidden, xerrors.Attributes{
		Message:  "chat belongs to another user",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusForbidden,
	})
	xerrors.Register(CodeMessageNotFound, xerrors.Attributes{
		Message:  "message not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeMessageConflict, xerrors.Attributes{
		Message:  "message already exists",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeInvalidPart, xerrors.Attributes{
		Message:  "invalid message part",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
	xerrors.Register(CodeInvalidToolState, xerrors.Attributes{
		Message:  "invalid tool state transition",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
}
