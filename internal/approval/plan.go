package approval

import (
	"context"
	"errors"

	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
)

// MessageGetter 是 Plan 所需的最小存储能力。
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*chat.Message, error)
}

// Plan 描述生成结束后的持久化动作。
type Plan struct {
	Inserts []chat.Message
	Updates []chat.Message
}

// BuildPlan 决定 finished 中每条消息是新增还是更新：消息 ID 出现在调用方提交的
// incoming 列表中且已持久化于同一会话时更新，否则新增。ID 属于其他会话时返回
// chat.ErrChatForbidden。
func BuildPlan(ctx context.Context, store MessageGetter, chatID string, incoming, finished []chat.Message) (Plan, error) {
	known := make(map[string]struct{}, len(incoming))
	for _, msg := range incoming {
		known[msg.ID] = struct{}{}
	}

	var plan Plan
	for _, msg := range finished {
		msg.ChatID = chatID
		if _, ok := known[msg.ID]; !ok {
			plan.Inserts = append(plan.Inserts, msg)
			continue
		}
		existing, err := store.GetMessage(ctx, msg.ID)
		switch {
		case errors.Is(err, chat.ErrMessageNotFound):
			plan.Inserts = append(plan.Inserts, msg)
		case err != nil:
			return Plan{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
		case existing.ChatID != chatID:
			return Plan{}, chat.ErrChatForbidden
		default:
			plan.Updates = append(plan.Updates, msg)
		}
	}
	return plan, nil
}
