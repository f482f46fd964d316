// Package quota 按用户类型限制每日可发送的消息数量。
package quota

import (
	"context"
	"net/http"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// 用户类型。
const (
	UserTypeGuest   = "guest"
	UserTypeRegular = "regular"
)

const (
	CodeQuotaExceeded xerrors.Code = "QUOTA_EXCEEDED"
)

// ErrQuotaExceeded 表示用户在当前窗口内的消息数已达上限。
var ErrQuotaExceeded = xerrors.New(CodeQuotaExceeded, "daily message quota exceeded")

func init() {
	xerrors.Register(CodeQuotaExceeded, xerrors.Attributes{
		Message:  "daily message quota exceeded",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusTooManyRequests,
	})
}

// Counter 统计用户自某一时刻起发送的消息数。
type Counter interface {
	CountUserMessages(ctx context.Context, userID string, since time.Time) (int, error)
}

// Checker 判断用户是否还能发送消息。
type Checker interface {
	Allow(ctx context.Context, userID, userType string) (bool, error)
}

// DefaultEntitlements 是各用户类型的默认每日消息上限。
var DefaultEntitlements = map[string]int{
	UserTypeGuest:   20,
	UserTypeRegular: 100,
}

// Limiter 基于滑动窗口内的消息数实现 Checker。
type Limiter struct {
	counter Counter
	window  time.Duration
	limits  map[string]int
	now     func() time.Time
}

// Option 定义 Limiter 的可选配置。
type Option func(*Limiter)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter 创建 Limiter。limits 为空时使用 DefaultEntitlements，window 非正时为 24 小时。
func NewLimiter(counter Counter, window time.Duration, limits map[string]int, opts ...Option) *Limiter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	copied := make(map[string]int, len(DefaultEntitlements))
	for k, v := range DefaultEntitlements {
		copied[k] = v
	}
	for k, v := range limits {
		copied[strings.ToLower(k)] = v
	}
	l := &Limiter{counter: counter, window: window, limits: copied, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow 实现 Checker 接口。未知的用户类型按 guest 处理，上限为负数表示不限制。
func (l *Limiter) Allow(ctx context.Context, userID, userType string) (bool, error) {
	limit, ok := l.limits[strings.ToLower(strings.TrimSpace(userType))]
	if !ok {
		limit = l.limits[UserTypeGuest]
	}
	if limit < 0 {
		return true, nil
	}
	count, err := l.counter.CountUserMessages(ctx, userID, l.now().Add(-l.window))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计用户消息失败")
	}
	return count < limit, nil
}
