package orchestrator

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/approval"
	"ChainPilot/internal/chat"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/sse"
	"ChainPilot/pkg/logger"
)

// relay 把生成事件与标题事件编码为帧发布到代理，两者都结束后写入结束标记并关闭流。
func (o *Orchestrator) relay(ctx context.Context, t *turnState, run *agent.Run, done chan<- struct{}) {
	defer close(done)
	defer metrics.GenerationFinished()

	ctx, cancel := context.WithTimeout(ctx, o.lifetime+o.persistTimeout)
	defer cancel()

	titles := make(chan string, 1)
	var g errgroup.Group
	if t.first != nil && o.titles != nil {
		first := *t.first
		g.Go(func() error {
			defer close(titles)
			generated, err := o.titles.Generate(ctx, t.chatID, first)
			if err != nil {
				o.logger.Warn("保存会话标题失败", slog.String("chat_id", t.chatID), slog.String("error", err.Error()))
			}
			titles <- generated
			return nil
		})
	} else {
		close(titles)
	}

	g.Go(func() error {
		events, pendingTitles := run.Events(), (<-chan string)(titles)
		for events != nil || pendingTitles != nil {
			select {
			case event, ok := <-events:
				if !ok {
					events = nil
					o.complete(ctx, t, run.Wait())
					continue
				}
				o.publish(ctx, t, event)
			case generated, ok := <-pendingTitles:
				if !ok {
					pendingTitles = nil
					continue
				}
				o.publish(ctx, t, chat.TitleEvent(generated))
			}
		}
		return nil
	})
	_ = g.Wait()

	broker := o.streams.Broker()
	if err := broker.Publish(ctx, t.streamID, sse.Done); err != nil {
		o.logger.Warn("发布结束标记失败", slog.String("stream_id", t.streamID), slog.String("error", err.Error()))
	}
	if err := broker.Close(context.WithoutCancel(ctx), t.streamID); err != nil {
		o.logger.Warn("关闭流失败", slog.String("stream_id", t.streamID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, t *turnState, event chat.Event) {
	frame, err := sse.Encode(event)
	if err != nil {
		o.logger.Error("编码事件失败", slog.String("type", string(event.Type)), slog.String("error", err.Error()))
		return
	}
	if err := o.streams.Broker().Publish(ctx, t.streamID, frame); err != nil {
		o.logger.Warn("发布帧失败",
			slog.String("stream_id", t.streamID),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
		return
	}
	metrics.FrameRelayed()
}

// complete 按插入或更新写入本轮产生的消息。使用独立的超时上下文，客户端断开不影响写库。
func (o *Orchestrator) complete(ctx context.Context, t *turnState, result agent.Result) {
	if result.Err != nil {
		o.logger.Warn("生成以错误结束",
			slog.String("chat_id", t.chatID),
			slog.String("stream_id", t.streamID),
			slog.String("error", result.Err.Error()))
		o.alert(ctx, result.Err, t.chatID, t.streamID)
	}
	if len(result.Messages) == 0 {
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	if err := o.persist(persistCtx, t, result.Messages); err != nil {
		o.logger.Error("保存生成结果失败",
			slog.String("chat_id", t.chatID),
			slog.String("stream_id", t.streamID),
			slog.String("error", err.Error()))
		o.alert(persistCtx, err, t.chatID, t.streamID)
	}
}

func (o *Orchestrator) persist(ctx context.Context, t *turnState, finished []chat.Message) error {
	plan, err := approval.BuildPlan(ctx, o.store, t.chatID, t.history, finished)
	if err != nil {
		return err
	}
	if len(plan.Inserts) > 0 {
		if err := o.store.InsertMessages(ctx, plan.Inserts); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
		}
		for _, msg := range plan.Inserts {
			logger.Audit().Info("消息已写入", slog.String("chat_id", t.chatID), slog.String("message_id", msg.ID))
		}
	}
	for _, msg := range plan.Updates {
		if err := o.store.UpdateMessageParts(ctx, msg.ID, msg.Parts); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新消息失败",
				xerrors.WithMetadata("message_id", msg.ID))
		}
		logger.Audit().Info("消息已更新", slog.String("chat_id", t.chatID), slog.String("message_id", msg.ID))
	}
	return nil
}

func (o *Orchestrator) alert(ctx context.Context, err error, chatID, streamID string) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := o.alerts.Notify(context.WithoutCancel(ctx), alerting.FromError(err, chatID, streamID)); notifyErr != nil {
		o.logger.Warn("发送告警失败", slog.String("error", notifyErr.Error()))
	}
}
