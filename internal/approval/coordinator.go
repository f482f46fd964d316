// Package approval 协调需要用户批准的工具调用：登记待审批请求、投递审批结果，
// 并决定生成结束后哪些消息需要新增、哪些需要更新。
package approval

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// Decision 是用户对一次工具调用的审批结果。
type Decision struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	// FollowUp 为 true 时模型在工具结束后继续生成，否则本轮到此结束。
	FollowUp bool `json:"followUp"`
}

const (
	CodeApprovalNotFound xerrors.Code = "APPROVAL_NOT_FOUND"
)

// ErrApprovalNotFound 表示审批 ID 未知或已经处理过。
var ErrApprovalNotFound = xerrors.New(CodeApprovalNotFound, "approval not found")

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:  "approval not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
}

// Ticket 是一次待审批请求的句柄。
type Ticket struct {
	ApprovalID string
	ChatID     string
	ToolCallID string

	decision chan Decision
	owner    *Coordinator
}

// Wait 阻塞直到收到审批结果或 ctx 结束。ctx 结束时请求被撤销。
func (t *Ticket) Wait(ctx context.Context) (Decision, error) {
	select {
	case decision := <-t.decision:
		return decision, nil
	case <-ctx.Done():
		t.owner.Cancel(t.ApprovalID)
		select {
		case decision := <-t.decision:
			return decision, nil
		default:
		}
		return Decision{}, ctx.Err()
	}
}

// Coordinator 保存所有等待中的审批请求。
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*Ticket
	newID   func() string
	logger  *slog.Logger
}

// Option 定义 Coordinator 的可选配置。
type Option func(*Coordinator)

// WithIDGenerator 替换审批 ID 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewCoordinator 创建 Coordinator。
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		pending: make(map[string]*Ticket),
		newID:   uuid.NewString,
		logger:  logger.Named("approval"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Request 为工具调用登记一个待审批请求。
func (c *Coordinator) Request(chatID, toolCallID string) *Ticket {
	ticket := &Ticket{
		ApprovalID: c.newID(),
		ChatID:     chatID,
		ToolCallID: toolCallID,
		decision:   make(chan Decision, 1),
		owner:      c,
	}
	c.mu.Lock()
	c.pending[ticket.ApprovalID] = ticket
	c.mu.Unlock()
	return ticket
}

// Lookup 返回待审批请求所属的会话。
func (c *Coordinator) Lookup(approvalID string) (chatID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticket, ok := c.pending[approvalID]
	if !ok {
		return "", false
	}
	return ticket.ChatID, true
}

// Respond 投递审批结果。每个请求只接受一次结果，未知或已处理的 ID 返回
// ErrApprovalNotFound 且不产生任何影响。
func (c *Coordinator) Respond(decision Decision) error {
	id := strings.TrimSpace(decision.ApprovalID)
	c.mu.Lock()
	ticket, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		// 持锁投递，Wait 撤销请求后的再次检查一定能看到结果。通道容量为 1，不会阻塞。
		ticket.decision <- decision
	}
	c.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}
	logger.Audit().Info("审批结果已投递",
		slog.String("approval_id", id),
		slog.String("chat_id", ticket.ChatID),
		slog.String("tool_call_id", ticket.ToolCallID),
		slog.Bool("approved", decision.Approved),
		slog.Bool("follow_up", decision.FollowUp))
	return nil
}

// Cancel 撤销待审批请求。
func (c *Coordinator) Cancel(approvalID string) {
	c.mu.Lock()
	delete(c.pending, approvalID)
	c.mu.Unlock()
}

// Pending 返回等待中的请求数量。
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Apply 把审批结果写入工具片段：批准进入 approval-responded，拒绝进入 output-denied。
func Apply(part *chat.ToolPart, decision Decision) error {
	if part.Approval != nil && decision.ApprovalID != "" && part.Approval.ID != decision.ApprovalID {
		return xerrors.New(chat.CodeInvalidToolState, "审批 ID 与工具调用不匹配",
			xerrors.WithMetadata("tool_call_id", part.ToolCallID))
	}
	return part.RecordDecision(decision.Approved, decision.Reason)
}
