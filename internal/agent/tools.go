package agent

import (
	"context"
	"log/slog"

	"ChainPilot/internal/approval"
	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/tools"
)

// resolveResponded 处理续写消息中已经得到审批结果的工具调用。
func (t *turn) resolveResponded(ctx context.Context) error {
	for _, part := range t.response.Parts {
		tp, ok := part.(*chat.ToolPart)
		if !ok || tp.State != chat.ToolApprovalResponded {
			continue
		}
		approved, _ := tp.Approved()
		if !approved {
			if err := tp.Transition(chat.ToolOutputDenied); err != nil {
				return err
			}
			if err := t.sendDenied(ctx, tp); err != nil {
				return err
			}
			continue
		}
		if err := t.execute(ctx, tp); err != nil {
			return err
		}
	}
	return nil
}

// executeCalls 按顺序执行一步中的工具调用，返回是否继续下一步。
func (t *turn) executeCalls(ctx context.Context, calls []*chat.ToolPart) (bool, error) {
	proceed := true
	for _, part := range calls {
		if part.State.Terminal() {
			continue
		}
		tool, ok := t.p.tools.Get(part.ToolName)
		if !ok {
			if err := t.fail(ctx, part, "未知的工具: "+part.ToolName); err != nil {
				return false, err
			}
			continue
		}
		if !tool.NeedsApproval {
			if err := t.execute(ctx, part); err != nil {
				return false, err
			}
			continue
		}
		if t.p.approvals == nil {
			// 没有协调器时保留待审批状态并结束本轮，由客户端提交结果后续写。
			if err := part.RequestApproval(t.p.newID()); err != nil {
				return false, err
			}
			if err := t.sendApprovalRequest(ctx, part); err != nil {
				return false, err
			}
			proceed = false
			continue
		}
		followUp, err := t.awaitApproval(ctx, part)
		if err != nil {
			return false, err
		}
		if !followUp {
			proceed = false
		}
	}
	return proceed, nil
}

func (t *turn) awaitApproval(ctx context.Context, part *chat.ToolPart) (bool, error) {
	ticket := t.p.approvals.Request(t.in.ChatID, part.ToolCallID)
	if err := part.RequestApproval(ticket.ApprovalID); err != nil {
		t.p.approvals.Cancel(ticket.ApprovalID)
		return false, err
	}
	if err := t.sendApprovalRequest(ctx, part); err != nil {
		t.p.approvals.Cancel(ticket.ApprovalID)
		return false, err
	}
	t.p.logger.Info("等待工具审批",
		slog.String("chat_id", t.in.ChatID),
		slog.String("tool_call_id", part.ToolCallID),
		slog.String("approval_id", ticket.ApprovalID))

	decision, err := ticket.Wait(ctx)
	if err != nil {
		return false, sessionError(err)
	}
	metrics.ObserveApproval(decision.Approved)
	if err := approval.Apply(part, decision); err != nil {
		return false, err
	}
	if !decision.Approved {
		return decision.FollowUp, t.sendDenied(ctx, part)
	}
	return decision.FollowUp, t.execute(ctx, part)
}

// execute 执行工具，工具自身的错误记录在片段中而不是终止本轮。
func (t *turn) execute(ctx context.Context, part *chat.ToolPart) error {
	tool, ok := t.p.tools.Get(part.ToolName)
	if !ok {
		return t.fail(ctx, part, "未知的工具: "+part.ToolName)
	}
	output, err := tools.Run(ctx, tool, tools.Call{
		ID:      part.ToolCallID,
		Input:   part.Input,
		Context: t.in.Context,
	})
	if err != nil {
		if ctx.Err() != nil {
			return sessionError(ctx.Err())
		}
		t.p.logger.Warn("工具执行失败",
			slog.String("tool", part.ToolName),
			slog.String("tool_call_id", part.ToolCallID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()))
		return t.fail(ctx, part, errorText(err))
	}
	if err := part.Complete(output); err != nil {
		return err
	}
	return t.send(ctx, chat.Event{
		Type:       chat.EventToolOutputAvailable,
		ToolCallID: part.ToolCallID,
		Output:     part.Output,
	})
}

func (t *turn) fail(ctx context.Context, part *chat.ToolPart, text string) error {
	if err := part.Fail(text); err != nil {
		return err
	}
	return t.send(ctx, chat.Event{
		Type:       chat.EventToolOutputError,
		ToolCallID: part.ToolCallID,
		ErrorText:  text,
	})
}

func (t *turn) sendApprovalRequest(ctx context.Context, part *chat.ToolPart) error {
	return t.send(ctx, chat.Event{
		Type:       chat.EventToolApprovalRequest,
		ToolCallID: part.ToolCallID,
		ApprovalID: part.Approval.ID,
	})
}

func (t *turn) sendDenied(ctx context.Context, part *chat.ToolPart) error {
	return t.send(ctx, chat.Event{Type: chat.EventToolOutputDenied, ToolCallID: part.ToolCallID})
}
