package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"transient", Transient(errors.New("503"), 503), true},
		{"wrapped transient", eris.Wrap(Transient(errors.New("429"), 429), "fetch"), true},
		{"net timeout", fmt.Errorf("get: %w", timeoutErr{}), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"reset string", errors.New("read tcp: connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(3), "test", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("busy"), 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("bad payload")
	_, err := Retry(context.Background(), fastPolicy(5), "test", func(context.Context) (int, error) {
		calls++
		return 0, perm
	})
	require.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), "test", func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_CustomRetryable(t *testing.T) {
	calls := 0
	p := fastPolicy(3)
	p.Retryable = func(error) bool { return true }
	_, err := Retry(context.Background(), p, "test", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("anything")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	_, err := Retry(ctx, p, "test", func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, Transient(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = 0.5
	for range 20 {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func newTestBreaker(threshold int) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test", threshold, time.Minute)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) (int, error)    { return 0, errors.New("down") }
func succeed(context.Context) (int, error) { return 1, nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for range 3 {
		_, err := Guard(ctx, b, nil, fail)
		require.Error(t, err)
	}
	assert.Equal(t, Open, b.State())

	called := false
	_, err := Guard(ctx, b, nil, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.True(t, errors.Is(err, ErrOpen))
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	_, _ = Guard(ctx, b, nil, fail)
	_, err := Guard(ctx, b, nil, succeed)
	require.NoError(t, err)
	_, _ = Guard(ctx, b, nil, fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	_, _ = Guard(ctx, b, nil, fail)
	require.Equal(t, Open, b.State())

	*now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, b.State())

	v, err := Guard(ctx, b, nil, succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	_, _ = Guard(ctx, b, nil, fail)
	*now = now.Add(time.Minute)
	_, err := Guard(ctx, b, nil, fail)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrOpen))
	assert.Equal(t, Open, b.State())
}

func TestBreaker_IgnoresNonCountingErrors(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx := context.Background()

	never := func(error) bool { return false }
	for range 3 {
		_, err := Guard(ctx, b, never, fail)
		require.Error(t, err)
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
