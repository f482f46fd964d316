package stream

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/sse"
)

type managerFixture struct {
	store   *chat.MemoryStore
	broker  *MemoryBroker
	manager *Manager
	now     time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:  chat.NewMemoryStore(),
		broker: NewMemoryBroker(8),
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(f.store, f.store, f.broker,
		WithResumeWindow(15*time.Second),
		WithClock(func() time.Time { return f.now }))
	require.NoError(t, f.store.CreateChat(context.Background(), &chat.Chat{ID: "chat-1", UserID: "u1"}))
	return f
}

func (f *managerFixture) addMessage(t *testing.T, id string, role chat.Role, age time.Duration) {
	t.Helper()
	require.NoError(t, f.store.InsertMessages(context.Background(), []chat.Message{{
		ID:        id,
		ChatID:    "chat-1",
		Role:      role,
		Parts:     chat.Parts{&chat.TextPart{Text: "hello"}},
		CreatedAt: f.now.Add(-age),
	}}))
}

func TestResumeWithoutRegistration(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Resume(context.Background(), "chat-1")
	require.ErrorIs(t, err, ErrStreamNotFound)
	require.Equal(t, 404, xerrors.HTTPStatus(err))
}

func TestResumeRecentAssistantMessageCatchesUp(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Register(ctx, "chat-1", "s1"))
	f.addMessage(t, "m1", chat.RoleUser, 10*time.Second)
	f.addMessage(t, "m2", chat.RoleAssistant, 5*time.Second)

	res, err := f.manager.Resume(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, ModeCatchUp, res.Mode)
	require.Len(t, res.Frames, 2)
	require.Equal(t, sse.Done, res.Frames[1])

	var event chat.Event
	framer := sse.NewFramer()
	frames := framer.Push(res.Frames[0])
	require.Len(t, frames, 1)
	require.NoError(t, frames[0].Decode(&event))
	require.Equal(t, "data-appendMessage", string(event.Type))
	require.True(t, event.Transient)

	var encoded string
	require.NoError(t, json.Unmarshal(event.Data, &encoded))
	var msg chat.Message
	require.NoError(t, json.Unmarshal([]byte(encoded), &msg))
	require.Equal(t, "m2", msg.ID)
}

func TestResumeStaleAssistantMessageIsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Register(ctx, "chat-1", "s1"))
	f.addMessage(t, "m2", chat.RoleAssistant, 20*time.Second)

	res, err := f.manager.Resume(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, ModeEmpty, res.Mode)
	require.Empty(t, res.Frames)
}

func TestResumeAfterUserMessageIsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Register(ctx, "chat-1", "s1"))
	f.addMessage(t, "m1", chat.RoleUser, time.Second)

	res, err := f.manager.Resume(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, ModeEmpty, res.Mode)
}

func TestResumeLiveStreamContinuesFromCurrentPoint(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.Register(ctx, "chat-1", "old"))
	require.NoError(t, f.manager.Register(ctx, "chat-1", "s2"))
	require.NoError(t, f.broker.Open(ctx, "s2"))
	require.NoError(t, f.broker.Publish(ctx, "s2", []byte("before")))

	res, err := f.manager.Resume(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, ModeLive, res.Mode)
	require.Equal(t, "s2", res.StreamID)
	defer res.Subscription.Close()

	go func() {
		_ = f.broker.Publish(ctx, "s2", []byte("after"))
		_ = f.broker.Close(ctx, "s2")
	}()

	frame, err := res.Subscription.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "after", string(frame))
	_, err = res.Subscription.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
}
