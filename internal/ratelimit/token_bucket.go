package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket 基于golang.org/x/time/rate的令牌桶限流，每个调用方一个桶
type TokenBucket struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucket 创建令牌桶限流器，平均速率为每window放行limit次
func NewTokenBucket(limit int, window time.Duration, burst int, now func() time.Time) *TokenBucket {
	if burst <= 0 {
		burst = limit
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    burst,
		now:      now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow 判断key的本次请求是否放行
func (t *TokenBucket) Allow(key string) Decision {
	l := t.get(key)
	now := t.now()

	r := l.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// 不等待，归还令牌
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true, Remaining: int(l.TokensAt(now))}
}

// Cleanup 删除令牌已满的桶，返回删除数量
func (t *TokenBucket) Cleanup() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, l := range t.limiters {
		if l.TokensAt(now) >= float64(t.burst) {
			delete(t.limiters, key)
			removed++
		}
	}
	return removed
}

func (t *TokenBucket) get(key string) *rate.Limiter {
	t.mu.RLock()
	l, ok := t.limiters[key]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(t.limit, t.burst)
	t.limiters[key] = l
	return l
}
