package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"ChainPilot/pkg/logger"
)

// frameSource 按顺序产出完整的 SSE 帧，结束时返回 io.EOF。
type frameSource interface {
	Recv(ctx context.Context) ([]byte, error)
}

// prepareSSE 设置 SSE 响应头并返回 Flusher。
func prepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
	}
	return flusher, ok
}

// pumpFrames 把帧逐个写出并立即下发，直到流结束或客户端断开。客户端断开只结束本
// 连接的读取，生成在服务端继续。
func pumpFrames(w http.ResponseWriter, r *http.Request, src frameSource) {
	flusher, ok := prepareSSE(w)
	if !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		frame, err := src.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.L().Warn("读取流失败", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			}
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}
