package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMessagesAndCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.CreateChat(ctx, &Chat{ID: "c1", UserID: "u1", Title: DefaultTitle}))
	require.Error(t, store.CreateChat(ctx, &Chat{ID: "c1", UserID: "u1"}))

	msgs := []Message{
		{ID: "m2", ChatID: "c1", Role: RoleAssistant, Parts: Parts{&TextPart{Text: "hi"}}, CreatedAt: base.Add(time.Second)},
		{ID: "m1", ChatID: "c1", Role: RoleUser, Parts: Parts{&TextPart{Text: "hello"}}, CreatedAt: base},
	}
	require.NoError(t, store.InsertMessages(ctx, msgs))

	listed, err := store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, []string{listed[0].ID, listed[1].ID})

	err = store.InsertMessages(ctx, []Message{{ID: "m3", ChatID: "c1", Role: RoleUser}, {ID: "m1", ChatID: "c1", Role: RoleUser}})
	require.True(t, errors.Is(err, ErrMessageConflict))
	_, err = store.GetMessage(ctx, "m3")
	require.True(t, errors.Is(err, ErrMessageNotFound), "conflicting batch must not be partially written")

	require.NoError(t, store.UpdateMessageParts(ctx, "m2", Parts{&TextPart{Text: "updated"}}))
	updated, err := store.GetMessage(ctx, "m2")
	require.NoError(t, err)
	require.Equal(t, "updated", updated.Text())
	require.True(t, errors.Is(store.UpdateMessageParts(ctx, "missing", nil), ErrMessageNotFound))

	count, err := store.CountUserMessages(ctx, "u1", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = store.CountUserMessages(ctx, "u2", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMemoryStoreStreamRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ids, err := store.ListStreamIDs(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, store.AppendStreamID(ctx, "c1", "s1"))
	require.NoError(t, store.AppendStreamID(ctx, "c1", "s2"))
	ids, err = store.ListStreamIDs(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, ids)
}

func TestMemoryStoreTitleUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.True(t, errors.Is(store.UpdateChatTitle(ctx, "c1", "x"), ErrChatNotFound))
	require.NoError(t, store.CreateChat(ctx, &Chat{ID: "c1", UserID: "u1"}))
	require.NoError(t, store.UpdateChatTitle(ctx, "c1", "Balances"))
	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Balances", chat.Title)
	require.Equal(t, VisibilityPrivate, chat.Visibility)
}
