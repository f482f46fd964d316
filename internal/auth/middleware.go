package auth

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	loggerpkg "ChainPilot/pkg/logger"
)

// MiddlewareConfig 配置身份中间件的行为。
type MiddlewareConfig struct {
	// UserHeader 与 TypeHeader 为空时使用 HeaderUserID 与 HeaderUserType。
	UserHeader string
	TypeHeader string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，解析网关注入的身份并记录访问审计。
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	userHeader := cfg.UserHeader
	if userHeader == "" {
		userHeader = HeaderUserID
	}
	typeHeader := cfg.TypeHeader
	if typeHeader == "" {
		typeHeader = HeaderUserType
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := &Subject{ID: r.Header.Get(userHeader), Type: r.Header.Get(typeHeader)}
			subject.normalise()
			if subject.ID == "" {
				status := http.StatusUnauthorized
				http.Error(w, http.StatusText(status), status)
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", ErrMissingIdentity.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			loggerpkg.Audit().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.ID,
				"user_type", subject.Type,
			)
		})
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 writer，流式响应依赖它逐帧下发。
func (w *auditWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack 透传给底层 writer。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

// Unwrap 供 http.ResponseController 访问底层 writer。
func (w *auditWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
