package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolApprovalLifecycle(t *testing.T) {
	part := &ToolPart{ToolName: "send_raw_transaction", ToolCallID: "c1", State: ToolInputAvailable}

	require.NoError(t, part.RequestApproval("ap-1"))
	require.Equal(t, ToolApprovalRequested, part.State)

	require.NoError(t, part.RecordDecision(true, ""))
	require.Equal(t, ToolApprovalResponded, part.State)
	approved, ok := part.Approved()
	require.True(t, ok)
	require.True(t, approved)

	require.NoError(t, part.Complete(json.RawMessage(`{"hash":"0xabc"}`)))
	require.Equal(t, ToolOutputAvailable, part.State)
	require.True(t, part.State.Terminal())
}

func TestToolDenialRoutesToOutputDenied(t *testing.T) {
	part := &ToolPart{ToolName: "send_raw_transaction", ToolCallID: "c1", State: ToolInputAvailable}
	require.NoError(t, part.RequestApproval("ap-1"))
	require.NoError(t, part.RecordDecision(false, "too expensive"))

	require.Equal(t, ToolOutputDenied, part.State)
	require.Equal(t, "too expensive", part.Approval.Reason)
	require.Error(t, part.Complete(json.RawMessage(`{}`)))
}

func TestToolIllegalTransitionsLeavePartUntouched(t *testing.T) {
	cases := []struct {
		from ToolState
		to   ToolState
	}{
		{ToolInputAvailable, ToolApprovalResponded},
		{ToolApprovalRequested, ToolOutputAvailable},
		{ToolOutputAvailable, ToolInputAvailable},
		{ToolOutputDenied, ToolOutputAvailable},
		{ToolOutputError, ToolApprovalRequested},
	}
	for _, tc := range cases {
		part := &ToolPart{ToolCallID: "c", State: tc.from}
		require.Error(t, part.Transition(tc.to), "%s -> %s", tc.from, tc.to)
		require.Equal(t, tc.from, part.State)
	}
}

func TestRecordDecisionWithoutApproval(t *testing.T) {
	part := &ToolPart{ToolCallID: "c", State: ToolApprovalRequested}
	require.Error(t, part.RecordDecision(true, ""))
}
