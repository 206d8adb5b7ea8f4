package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleep 记录等待时间而不真正等待
func recordSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

var errRefused = errors.New("connection refused")

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(40))

	unbounded := Policy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 800*time.Millisecond, unbounded.Backoff(4))
}

func TestExecutor_ExhaustsAfterMaxRetries(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Second}, WithSleep(recordSleep(&delays)))

	calls := 0
	attempts, err := e.Do(context.Background(), "pricing/p1", func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errs.NewTransientCallError("pricing/p1", errRefused)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "恰好尝试maxRetries次")
	assert.Equal(t, 3, attempts)
	assert.True(t, errs.Is(err, errs.KindRetryExhausted))
	assert.ErrorIs(t, err, errRefused, "保留原因链")

	e2, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, 3, e2.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestExecutor_SucceedsAfterTransientFailure(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond}, WithSleep(recordSleep(&delays)))

	attempts, err := e.Do(context.Background(), "pricing/p1", func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errs.NewTransientCallError("pricing/p1", errRefused)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, delays, 1)
}

func TestExecutor_NoRetryOnNonTransientErrors(t *testing.T) {
	cases := map[string]error{
		"熔断打开": errs.NewCircuitOpenError("pricing/p1"),
		"参数无效": errs.NewValidationError("bad"),
		"普通错误": errors.New("boom"),
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			var delays []time.Duration
			e := NewExecutor(Policy{MaxRetries: 5, BaseDelay: time.Second}, WithSleep(recordSleep(&delays)))

			calls := 0
			attempts, err := e.Do(context.Background(), "pricing/p1", func(context.Context, int) error {
				calls++
				return want
			})
			assert.Same(t, want, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, 1, attempts)
			assert.Empty(t, delays)
		})
	}
}

func TestExecutor_DeadlineShorterThanBackoff(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxRetries: 5, BaseDelay: time.Hour}, WithSleep(recordSleep(&delays)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	calls := 0
	attempts, err := e.Do(ctx, "pricing/p1", func(context.Context, int) error {
		calls++
		return errs.NewTransientCallError("pricing/p1", errRefused)
	})
	assert.True(t, errs.Is(err, errs.KindDeadlineExceeded))
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 1, calls, "剩余时间不足时不再重试")
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
}

func TestExecutor_DeadlineDuringAttempt(t *testing.T) {
	e := NewExecutor(Policy{MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := e.Do(ctx, "pricing/p1", func(ctx context.Context, _ int) error {
		calls++
		<-ctx.Done()
		return errs.NewTransientCallError("pricing/p1", ctx.Err())
	})
	assert.True(t, errs.Is(err, errs.KindDeadlineExceeded))
	assert.Equal(t, 1, calls)
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	e := NewExecutor(DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := e.Do(ctx, "pricing/p1", func(context.Context, int) error {
		t.Fatal("不应调用")
		return nil
	})
	assert.Equal(t, 0, attempts)
	assert.True(t, errs.Is(err, errs.KindDeadlineExceeded))
}

func TestExecutor_Jitter(t *testing.T) {
	var delays []time.Duration
	e := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Second, Jitter: true},
		WithSleep(recordSleep(&delays)),
		WithRandom(func() float64 { return 0.5 }))

	e.Do(context.Background(), "x", func(context.Context, int) error {
		return errs.NewTransientCallError("x", errRefused)
	})
	assert.Equal(t, []time.Duration{750 * time.Millisecond, 1500 * time.Millisecond}, delays)
}
