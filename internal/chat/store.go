package chat

import (
	"context"
	"time"
)

// Store 抽象了会话与消息的持久化接口。
type Store interface {
	GetChat(ctx context.Context, id string) (*Chat, error)
	CreateChat(ctx context.Context, chat *Chat) error
	UpdateChatTitle(ctx context.Context, id, title string) error
	// ListMessages 按创建时间升序返回会话内的消息。
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	InsertMessages(ctx context.Context, msgs []Message) error
	UpdateMessageParts(ctx context.Context, id string, parts Parts) error
	// CountUserMessages 统计用户自 since 起发送的消息数量。
	CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error)
	Close() error
}

// RegistryStore 保存每个会话按顺序登记的流 ID。
type RegistryStore interface {
	AppendStreamID(ctx context.Context, chatID, streamID string) error
	// ListStreamIDs 按登记顺序返回流 ID，没有记录时返回空切片。
	ListStreamIDs(ctx context.Context, chatID string) ([]string, error)
}
