package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ChainPilot/internal/approval"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/chat"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/stream"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 4 << 20
)

// Service 是 HTTP 层依赖的对话编排能力。
type Service interface {
	Submit(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.Stream, error)
	Resume(ctx context.Context, userID, chatID string) (*stream.Resumption, error)
	Respond(ctx context.Context, userID string, decision approval.Decision) error
	Messages(ctx context.Context, userID, chatID string) ([]chat.Message, error)
}

// Server 负责暴露 REST 与 SSE 接口。
type Server struct {
	addr            string
	svc             Service
	metrics         bool
	shutdownTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 在同一端口暴露 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	identity := auth.Middleware(auth.MiddlewareConfig{})
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/chat", instrument("chat.submit", identity(http.HandlerFunc(s.handleSubmit))))
	mux.Handle("GET /api/v1/chat/{id}/stream", instrument("chat.resume", identity(http.HandlerFunc(s.handleResume))))
	mux.Handle("POST /api/v1/chat/approvals", instrument("chat.approval", identity(http.HandlerFunc(s.handleApproval))))
	mux.Handle("GET /api/v1/chat/{id}/messages", instrument("chat.messages", identity(http.HandlerFunc(s.handleMessages))))
	mux.Handle("GET /healthz", instrument("healthz", http.HandlerFunc(handleHealth)))
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录请求耗时与状态码。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
