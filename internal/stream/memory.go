package stream

import (
	"context"
	"io"
	"sync"
)

// MemoryBroker 在进程内转发帧，适用于单实例部署与测试。
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	buffer  int
}

type memoryStream struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

// NewMemoryBroker 创建内存代理，buffer 为每个订阅者的缓冲帧数。
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBroker{streams: make(map[string]*memoryStream), buffer: buffer}
}

// Open 实现 Broker 接口。
func (b *MemoryBroker) Open(_ context.Context, streamID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[streamID]; !ok {
		b.streams[streamID] = &memoryStream{subs: make(map[*memorySubscription]struct{})}
	}
	return nil
}

func (b *MemoryBroker) stream(streamID string) *memoryStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[streamID]
}

// Publish 实现 Broker 接口。
func (b *MemoryBroker) Publish(ctx context.Context, streamID string, frame []byte) error {
	s := b.stream(streamID)
	if s == nil {
		return brokerError(io.ErrClosedPipe, "流未打开")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		select {
		case sub.frames <- frame:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close 实现 Broker 接口，所有订阅者在读完缓冲后收到 io.EOF。
func (b *MemoryBroker) Close(_ context.Context, streamID string) error {
	b.mu.Lock()
	s, ok := b.streams[streamID]
	delete(b.streams, streamID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		close(sub.frames)
		delete(s.subs, sub)
	}
	return nil
}

// Active 实现 Broker 接口。
func (b *MemoryBroker) Active(_ context.Context, streamID string) (bool, error) {
	return b.stream(streamID) != nil, nil
}

// Subscribe 实现 Broker 接口。流不存在时返回立即结束的订阅。
func (b *MemoryBroker) Subscribe(_ context.Context, streamID string) (Subscription, error) {
	sub := &memorySubscription{
		frames: make(chan []byte, b.buffer),
		done:   make(chan struct{}),
	}
	s := b.stream(streamID)
	if s == nil {
		close(sub.frames)
		return sub, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Close 可能在取到 s 之后已经执行。
	if b.stream(streamID) != s {
		close(sub.frames)
		return sub, nil
	}
	s.subs[sub] = struct{}{}
	sub.detach = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	return sub, nil
}

// Shutdown 实现 Broker 接口。
func (b *MemoryBroker) Shutdown() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.Close(context.Background(), id)
	}
	return nil
}

type memorySubscription struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	detach func()
}

func (s *memorySubscription) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.detach != nil {
			go s.detach()
		}
	})
	return nil
}
