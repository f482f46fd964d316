package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// MemoryStore 以内存方式保存会话、消息与流登记，主要用于测试和单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string]*Message
	order    map[string][]string
	streams  map[string][]string
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*Chat),
		messages: make(map[string]*Message),
		order:    make(map[string][]string),
		streams:  make(map[string][]string),
		now:      time.Now,
	}
}

// GetChat 实现 Store 接口。
func (m *MemoryStore) GetChat(_ context.Context, id string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	clone := *chat
	return &clone, nil
}

// CreateChat 实现 Store 接口。
func (m *MemoryStore) CreateChat(_ context.Context, chat *Chat) error {
	if chat == nil || chat.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chat.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = m.now()
	}
	if chat.Visibility == "" {
		chat.Visibility = VisibilityPrivate
	}
	clone := *chat
	m.chats[chat.ID] = &clone
	return nil
}

// UpdateChatTitle 实现 Store 接口。
func (m *MemoryStore) UpdateChatTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[id]
	if !ok {
		return ErrChatNotFound
	}
	chat.Title = title
	return nil
}

// ListMessages 实现 Store 接口。
func (m *MemoryStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[chatID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetMessage 实现 Store 接口。
func (m *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	clone := msg.Clone()
	return &clone, nil
}

// InsertMessages 实现 Store 接口，任意一条冲突时整体不写入。
func (m *MemoryStore) InsertMessages(_ context.Context, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.ID == "" || msg.ChatID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 与会话 ID 不能为空")
		}
		if _, ok := m.messages[msg.ID]; ok {
			return ErrMessageConflict
		}
	}
	for _, msg := range msgs {
		clone := msg.Clone()
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = m.now()
		}
		m.messages[msg.ID] = &clone
		m.order[msg.ChatID] = append(m.order[msg.ChatID], msg.ID)
	}
	return nil
}

// UpdateMessageParts 实现 Store 接口。
func (m *MemoryStore) UpdateMessageParts(_ context.Context, id string, parts Parts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Parts = parts.Clone()
	return nil
}

// CountUserMessages 实现 Store 接口。
func (m *MemoryStore) CountUserMessages(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages {
		if msg.Role != RoleUser || msg.CreatedAt.Before(since) {
			continue
		}
		if chat, ok := m.chats[msg.ChatID]; ok && chat.UserID == userID {
			count++
		}
	}
	return count, nil
}

// AppendStreamID 实现 RegistryStore 接口。
func (m *MemoryStore) AppendStreamID(_ context.Context, chatID, streamID string) error {
	if chatID == "" || streamID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 与流 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[chatID] = append(m.streams[chatID], streamID)
	return nil
}

// ListStreamIDs 实现 RegistryStore 接口。
func (m *MemoryStore) ListStreamIDs(_ context.Context, chatID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.streams[chatID]...), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
