package ratelimit

import (
	"sync"
	"time"
)

// window 单个调用方在窗口内的请求时间
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// SlidingWindow 滑动窗口限流，只统计[now-window, now]内的请求
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

// NewSlidingWindow 创建滑动窗口限流器
func NewSlidingWindow(limit int, win time.Duration, now func() time.Time) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		limit:   limit,
		window:  win,
		now:     now,
		windows: make(map[string]*window),
	}
}

// Allow 判断key的本次请求是否放行，被拒绝的请求不计入窗口
func (s *SlidingWindow) Allow(key string) Decision {
	w := s.get(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := s.now()
	w.timestamps = prune(w.timestamps, now.Add(-s.window))

	if len(w.timestamps) >= s.limit {
		retryAfter := w.timestamps[0].Add(s.window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	w.timestamps = append(w.timestamps, now)
	return Decision{Allowed: true, Remaining: s.limit - len(w.timestamps)}
}

// Cleanup 删除窗口内已无请求的调用方，返回删除数量
func (s *SlidingWindow) Cleanup() int {
	cutoff := s.now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.mu.Lock()
		w.timestamps = prune(w.timestamps, cutoff)
		empty := len(w.timestamps) == 0
		w.mu.Unlock()
		if empty {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前跟踪的调用方数量
func (s *SlidingWindow) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

func (s *SlidingWindow) get(key string) *window {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &window{}
	s.windows[key] = w
	return w
}

// prune 丢弃早于cutoff的时间戳，时间戳按顺序追加
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
