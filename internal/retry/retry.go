package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"go.uber.org/zap"
)

// Policy 重试策略
type Policy struct {
	MaxRetries int           // 总尝试次数，包含第一次
	BaseDelay  time.Duration // 第一次重试前的等待时间
	MaxDelay   time.Duration // 单次等待上限，0表示不限制
	Jitter     bool          // 是否在[d/2, d]内随机
}

// DefaultPolicy 返回默认重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Jitter:     true,
	}
}

// Backoff 返回第attempt次尝试失败后的等待时间，指数翻倍
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// SleepFunc 可被ctx打断的等待函数
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option 执行器选项
type Option func(*Executor)

// WithSleep 替换等待函数，测试中用于跳过真实等待
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRandom 替换抖动使用的随机数，返回[0,1)
func WithRandom(rnd func() float64) Option {
	return func(e *Executor) {
		e.random = rnd
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// Executor 按策略对瞬时错误进行有限次重试
type Executor struct {
	policy Policy
	sleep  SleepFunc
	random func() float64
	logger config.Logger
}

// NewExecutor 创建重试执行器
func NewExecutor(policy Policy, opts ...Option) *Executor {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}
	e := &Executor{
		policy: policy,
		sleep:  sleepContext,
		random: rand.Float64,
		logger: config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy 返回重试策略
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do 执行fn，只重试瞬时调用错误
// 返回实际尝试次数；耗尽时返回包装最后一次错误的RetryExhaustedError，
// ctx结束或剩余时间不足以等待下一次重试时返回DeadlineExceededError
func (e *Executor) Do(ctx context.Context, target string, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, errs.NewDeadlineExceededError(target, attempt-1, causeOr(lastErr, ctx.Err()))
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, errs.NewDeadlineExceededError(target, attempt, err)
		}
		if !errs.IsRetryable(err) {
			return attempt, err
		}
		lastErr = err

		if attempt == e.policy.MaxRetries {
			break
		}

		delay := e.delay(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return attempt, errs.NewDeadlineExceededError(target, attempt, err)
		}
		e.logger.Debug("调用失败，准备重试",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return attempt, errs.NewDeadlineExceededError(target, attempt, lastErr)
		}
	}

	return e.policy.MaxRetries, errs.NewRetryExhaustedError(target, e.policy.MaxRetries, lastErr)
}

func (e *Executor) delay(attempt int) time.Duration {
	d := e.policy.Backoff(attempt)
	if e.policy.Jitter && d > 0 {
		half := d / 2
		d = half + time.Duration(e.random()*float64(d-half))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func causeOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
