package ratelimit

import (
	"fmt"
	"time"
)

// Decision 一次限流判定结果
type Decision struct {
	Allowed bool
	// Remaining 本次判定后剩余的可用次数
	Remaining int
	// RetryAfter 被拒绝时建议的等待时间
	RetryAfter time.Duration
}

// Limiter 按调用方标识限流
type Limiter interface {
	Allow(key string) Decision
}

// Algorithm 限流算法
type Algorithm string

const (
	// AlgorithmSlidingWindow 滑动窗口计数
	AlgorithmSlidingWindow Algorithm = "sliding-window"
	// AlgorithmTokenBucket 令牌桶
	AlgorithmTokenBucket Algorithm = "token-bucket"
)

// Config 限流配置
type Config struct {
	Algorithm Algorithm
	Limit     int           // 窗口内允许的请求数
	Window    time.Duration // 窗口长度
	Burst     int           // 令牌桶容量，仅token-bucket使用
}

// New 按配置创建限流器
func New(cfg Config, now func() time.Time) (Limiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("限流阈值和窗口必须大于0")
	}
	switch cfg.Algorithm {
	case AlgorithmSlidingWindow, "":
		return NewSlidingWindow(cfg.Limit, cfg.Window, now), nil
	case AlgorithmTokenBucket:
		return NewTokenBucket(cfg.Limit, cfg.Window, cfg.Burst, now), nil
	default:
		return nil, fmt.Errorf("未知的限流算法: %s", cfg.Algorithm)
	}
}
