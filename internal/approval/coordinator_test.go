package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
)

func TestRespondDeliversDecision(t *testing.T) {
	coord := NewCoordinator(WithIDGenerator(func() string { return "ap-1" }))
	ticket := coord.Request("chat-1", "call-1")
	require.Equal(t, "ap-1", ticket.ApprovalID)

	chatID, ok := coord.Lookup("ap-1")
	require.True(t, ok)
	require.Equal(t, "chat-1", chatID)

	go func() {
		_ = coord.Respond(Decision{ApprovalID: "ap-1", Approved: true, FollowUp: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	decision, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.True(t, decision.Approved)
	require.True(t, decision.FollowUp)
	require.Zero(t, coord.Pending())
}

func TestRespondRejectsUnknownOrRepeated(t *testing.T) {
	coord := NewCoordinator()
	err := coord.Respond(Decision{ApprovalID: "missing"})
	require.ErrorIs(t, err, ErrApprovalNotFound)
	require.Equal(t, CodeApprovalNotFound, xerrors.CodeOf(err))
	require.Equal(t, 404, xerrors.HTTPStatus(err))

	ticket := coord.Request("chat", "call")
	require.NoError(t, coord.Respond(Decision{ApprovalID: ticket.ApprovalID, Approved: false}))
	require.ErrorIs(t, coord.Respond(Decision{ApprovalID: ticket.ApprovalID, Approved: true}), ErrApprovalNotFound)

	decision, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, decision.Approved)
}

func TestWaitCancelledRemovesTicket(t *testing.T) {
	coord := NewCoordinator()
	ticket := coord.Request("chat", "call")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ticket.Wait(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	_, ok := coord.Lookup(ticket.ApprovalID)
	require.False(t, ok)
	require.ErrorIs(t, coord.Respond(Decision{ApprovalID: ticket.ApprovalID}), ErrApprovalNotFound)
}

func TestAcceptedDecisionSurvivesExpiry(t *testing.T) {
	coord := NewCoordinator()
	for i := 0; i < 200; i++ {
		ticket := coord.Request("chat", "call")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var respondErr error
		responded := make(chan struct{})
		go func() {
			defer close(responded)
			respondErr = coord.Respond(Decision{ApprovalID: ticket.ApprovalID, Approved: true})
		}()
		decision, waitErr := ticket.Wait(ctx)
		<-responded

		if respondErr == nil {
			require.NoError(t, waitErr, "accepted decision was lost on iteration %d", i)
			require.True(t, decision.Approved)
		} else {
			require.ErrorIs(t, respondErr, ErrApprovalNotFound)
			require.ErrorIs(t, waitErr, context.Canceled)
		}
	}
	require.Zero(t, coord.Pending())
}

func TestApply(t *testing.T) {
	part := &chat.ToolPart{ToolName: "send_raw_transaction", ToolCallID: "c1", State: chat.ToolInputAvailable}
	require.NoError(t, part.RequestApproval("ap-1"))

	err := Apply(part, Decision{ApprovalID: "other", Approved: true})
	require.Equal(t, chat.CodeInvalidToolState, xerrors.CodeOf(err))
	require.Equal(t, chat.ToolApprovalRequested, part.State)

	require.NoError(t, Apply(part, Decision{ApprovalID: "ap-1", Approved: false, Reason: "too expensive"}))
	require.Equal(t, chat.ToolOutputDenied, part.State)
	require.Equal(t, "too expensive", part.Approval.Reason)
}

func TestBuildPlan(t *testing.T) {
	ctx := context.Background()
	store := chat.NewMemoryStore()
	require.NoError(t, store.CreateChat(ctx, &chat.Chat{ID: "chat-1", UserID: "u1", Visibility: chat.VisibilityPrivate}))
	require.NoError(t, store.CreateChat(ctx, &chat.Chat{ID: "chat-2", UserID: "u2", Visibility: chat.VisibilityPrivate}))
	require.NoError(t, store.InsertMessages(ctx, []chat.Message{
		{ID: "a1", ChatID: "chat-1", Role: chat.RoleAssistant},
		{ID: "x1", ChatID: "chat-2", Role: chat.RoleAssistant},
	}))

	incoming := []chat.Message{{ID: "u1"}, {ID: "a1"}, {ID: "ghost"}}
	finished := []chat.Message{{ID: "a1"}, {ID: "ghost"}, {ID: "a2"}}

	plan, err := BuildPlan(ctx, store, "chat-1", incoming, finished)
	require.NoError(t, err)
	require.Len(t, plan.Updates, 1)
	require.Equal(t, "a1", plan.Updates[0].ID)
	require.Len(t, plan.Inserts, 2)
	require.Equal(t, "ghost", plan.Inserts[0].ID)
	require.Equal(t, "a2", plan.Inserts[1].ID)
	require.Equal(t, "chat-1", plan.Inserts[1].ChatID)

	_, err = BuildPlan(ctx, store, "chat-1", []chat.Message{{ID: "x1"}}, []chat.Message{{ID: "x1"}})
	require.ErrorIs(t, err, chat.ErrChatForbidden)
}
