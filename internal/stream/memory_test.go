package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(2)
	require.NoError(t, broker.Open(ctx, "s1"))

	sub, err := broker.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer sub.Close()

	go func() {
		for _, frame := range []string{"a", "b", "c", "d"} {
			_ = broker.Publish(ctx, "s1", []byte(frame))
		}
		_ = broker.Close(ctx, "s1")
	}()

	var got []string
	for {
		frame, err := sub.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(frame))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, got)

	active, err := broker.Active(ctx, "s1")
	require.NoError(t, err)
	require.False(t, active)
}

func TestMemoryBrokerLateSubscriberSeesOnlyNewFrames(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(8)
	require.NoError(t, broker.Open(ctx, "s1"))
	require.NoError(t, broker.Publish(ctx, "s1", []byte("early")))

	sub, err := broker.Subscribe(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "s1", []byte("late")))

	frame, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "late", string(frame))
}

func TestMemoryBrokerPublishBlocksUntilConsumed(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(1)
	require.NoError(t, broker.Open(ctx, "s1"))
	sub, err := broker.Subscribe(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "s1", []byte("1")))

	published := make(chan error, 1)
	go func() { published <- broker.Publish(ctx, "s1", []byte("2")) }()

	select {
	case <-published:
		t.Fatal("publish should block while the subscriber buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	frame, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", string(frame))
	require.NoError(t, <-published)
}

func TestMemoryBrokerClosedSubscriberDoesNotStallPublisher(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(1)
	require.NoError(t, broker.Open(ctx, "s1"))
	sub, err := broker.Subscribe(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "s1", []byte("1")))
	require.NoError(t, sub.Close())

	done := make(chan error, 1)
	go func() { done <- broker.Publish(ctx, "s1", []byte("2")) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a closed subscriber")
	}
}

func TestMemoryBrokerSubscribeUnknownStream(t *testing.T) {
	broker := NewMemoryBroker(1)
	sub, err := broker.Subscribe(context.Background(), "missing")
	require.NoError(t, err)
	_, err = sub.Recv(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
