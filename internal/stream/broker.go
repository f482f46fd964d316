// Package stream 负责实时生成流的中继与断线续传。
//
// 生成过程的帧通过 Broker 发布，任意连接都可以订阅同一个流；连接断开只会关闭
// 对应的订阅，不会影响生成本身。流结束后，Manager 依据最近一条持久化消息决定
// 是补发还是返回空流。
package stream

import (
	"context"
	"net/http"

	xerrors "ChainPilot/internal/errors"
)

// Subscription 是对一个流的订阅，只会收到订阅之后发布的帧。
type Subscription interface {
	// Recv 返回下一帧，流结束后返回 io.EOF。
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Broker 在生成任务与客户端连接之间转发帧。
type Broker interface {
	Open(ctx context.Context, streamID string) error
	// Publish 在订阅者缓冲已满时阻塞，直到其消费或断开。
	Publish(ctx context.Context, streamID string, frame []byte) error
	Close(ctx context.Context, streamID string) error
	Active(ctx context.Context, streamID string) (bool, error)
	Subscribe(ctx context.Context, streamID string) (Subscription, error)
	Shutdown() error
}

const (
	CodeStreamNotFound xerrors.Code = "STREAM_NOT_FOUND"
)

// ErrStreamNotFound 表示会话从未登记过任何流。
var ErrStreamNotFound = xerrors.New(CodeStreamNotFound, "no stream registered for chat")

func init() {
	xerrors.Register(CodeStreamNotFound, xerrors.Attributes{
		Message:  "stream not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
}

func brokerError(err error, message string) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeBrokerFailure, err, message)
}
