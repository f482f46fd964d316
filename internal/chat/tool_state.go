package chat

import (
	"encoding/json"

	xerrors "ChainPilot/internal/errors"
)

// ToolState 是工具调用片段的生命周期状态。
type ToolState string

const (
	ToolInputStreaming    ToolState = "input-streaming"
	ToolInputAvailable    ToolState = "input-available"
	ToolApprovalRequested ToolState = "approval-requested"
	ToolApprovalResponded ToolState = "approval-responded"
	ToolOutputAvailable   ToolState = "output-available"
	ToolOutputDenied      ToolState = "output-denied"
	ToolOutputError       ToolState = "output-error"
)

var toolTransitions = map[ToolState][]ToolState{
	ToolInputStreaming:    {ToolInputAvailable, ToolOutputError},
	ToolInputAvailable:    {ToolApprovalRequested, ToolOutputAvailable, ToolOutputError},
	ToolApprovalRequested: {ToolApprovalResponded, ToolOutputDenied},
	ToolApprovalResponded: {ToolOutputAvailable, ToolOutputDenied, ToolOutputError},
}

// Valid 判断状态是否为已知取值。
func (s ToolState) Valid() bool {
	switch s {
	case ToolInputStreaming, ToolInputAvailable, ToolApprovalRequested, ToolApprovalResponded,
		ToolOutputAvailable, ToolOutputDenied, ToolOutputError:
		return true
	}
	return false
}

// Terminal 判断状态是否已经结束。
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputDenied || s == ToolOutputError
}

// CanTransition 判断 from 到 to 的迁移是否合法。
func CanTransition(from, to ToolState) bool {
	for _, next := range toolTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 将工具片段迁移到新状态，非法迁移返回错误且不修改片段。
func (p *ToolPart) Transition(to ToolState) error {
	if !CanTransition(p.State, to) {
		return xerrors.New(CodeInvalidToolState, "工具状态不可从 "+string(p.State)+" 迁移到 "+string(to),
			xerrors.WithMetadata("tool_call_id", p.ToolCallID))
	}
	p.State = to
	return nil
}

// RequestApproval 进入等待审批状态。
func (p *ToolPart) RequestApproval(approvalID string) error {
	if err := p.Transition(ToolApprovalRequested); err != nil {
		return err
	}
	p.Approval = &Approval{ID: approvalID}
	return nil
}

// RecordDecision 记录审批结果，拒绝时直接进入 output-denied。
func (p *ToolPart) RecordDecision(approved bool, reason string) error {
	if p.Approval == nil {
		return xerrors.New(CodeInvalidToolState, "工具调用没有待处理的审批",
			xerrors.WithMetadata("tool_call_id", p.ToolCallID))
	}
	if err := p.Transition(ToolApprovalResponded); err != nil {
		return err
	}
	p.Approval.Approved = &approved
	p.Approval.Reason = reason
	if !approved {
		return p.Transition(ToolOutputDenied)
	}
	return nil
}

// Complete 写入工具输出。
func (p *ToolPart) Complete(output json.RawMessage) error {
	if err := p.Transition(ToolOutputAvailable); err != nil {
		return err
	}
	p.Output = output
	return nil
}

// Fail 记录工具执行错误。
func (p *ToolPart) Fail(errText string) error {
	if err := p.Transition(ToolOutputError); err != nil {
		return err
	}
	p.ErrorText = errText
	return nil
}

// Approved 返回审批结果，未审批时 ok 为 false。
func (p *ToolPart) Approved() (approved bool, ok bool) {
	if p.Approval == nil || p.Approval.Approved == nil {
		return false, false
	}
	return *p.Approval.Approved, true
}
