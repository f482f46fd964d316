package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

type fixedCounter struct {
	count int
	err   error
	since time.Time
}

func (c *fixedCounter) CountUserMessages(_ context.Context, _ string, since time.Time) (int, error) {
	c.since = since
	return c.count, c.err
}

func TestLimiterAllow(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		count    int
		userType string
		want     bool
	}{
		{name: "guest under limit", count: 19, userType: UserTypeGuest, want: true},
		{name: "guest at limit", count: 20, userType: UserTypeGuest, want: false},
		{name: "regular under limit", count: 20, userType: UserTypeRegular, want: true},
		{name: "unknown type uses guest", count: 20, userType: "robot", want: false},
		{name: "override", count: 499, userType: "Pro", want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			counter := &fixedCounter{count: tc.count}
			limiter := NewLimiter(counter, 0, map[string]int{"pro": 500}, WithClock(func() time.Time { return now }))
			got, err := limiter.Allow(context.Background(), "u1", tc.userType)
			if err != nil {
				t.Fatalf("allow failed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if !counter.since.Equal(now.Add(-24 * time.Hour)) {
				t.Fatalf("unexpected window start: %v", counter.since)
			}
		})
	}
}

func TestLimiterUnlimited(t *testing.T) {
	limiter := NewLimiter(&fixedCounter{err: errors.New("should not be called")}, time.Hour, map[string]int{"admin": -1})
	ok, err := limiter.Allow(context.Background(), "u1", "admin")
	if err != nil || !ok {
		t.Fatalf("expected unlimited access, got %v %v", ok, err)
	}
}

func TestLimiterCounterError(t *testing.T) {
	limiter := NewLimiter(&fixedCounter{err: errors.New("db down")}, time.Hour, nil)
	_, err := limiter.Allow(context.Background(), "u1", UserTypeRegular)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if xerrors.HTTPStatus(ErrQuotaExceeded) != 429 {
		t.Fatalf("unexpected status for quota error")
	}
}
