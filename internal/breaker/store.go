package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/kong-proxy/internal/config"
	"go.uber.org/zap"
)

// Granularity 熔断粒度
type Granularity string

const (
	// GranularityInstance 每个服务实例一个熔断器
	GranularityInstance Granularity = "instance"
	// GranularityService 每个服务一个熔断器
	GranularityService Granularity = "service"
)

// TargetKey 根据粒度生成熔断目标键
func TargetKey(serviceName, instanceID string, g Granularity) string {
	if g == GranularityService || instanceID == "" {
		return serviceName
	}
	return serviceName + "/" + instanceID
}

// StoreOption Store构造选项
type StoreOption func(*Store)

// WithClock 设置时钟
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTransitionHook 添加状态变化回调
func WithTransitionHook(fn TransitionFunc) StoreOption {
	return func(s *Store) {
		s.hooks = append(s.hooks, fn)
	}
}

// Store 按目标键管理熔断器，首次使用时创建
type Store struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	now      func() time.Time
	logger   config.Logger
	hooks    []TransitionFunc
}

// NewStore 创建熔断器存储
func NewStore(cfg Config, opts ...StoreOption) *Store {
	s := &Store{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		now:      time.Now,
		logger:   config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get 获取目标的熔断器，不存在时创建
func (s *Store) Get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[key]; ok {
		return b
	}
	b = New(key, s.cfg, s.now, s.onTransition)
	s.breakers[key] = b
	return b
}

// Lookup 查找已存在的熔断器
func (s *Store) Lookup(key string) (*Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breakers[key]
	return b, ok
}

// Execute 在key对应的熔断器保护下执行fn
func (s *Store) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return s.Get(key).Execute(ctx, fn)
}

// FailureCount 返回目标的失败计数，未创建时为0
func (s *Store) FailureCount(key string) int {
	if b, ok := s.Lookup(key); ok {
		return b.FailureCount()
	}
	return 0
}

// State 返回目标的状态，未创建时为关闭
func (s *Store) State(key string) State {
	if b, ok := s.Lookup(key); ok {
		return b.State()
	}
	return StateClosed
}

// Reset 重置目标的熔断器，不存在时返回false
func (s *Store) Reset(key string) bool {
	b, ok := s.Lookup(key)
	if !ok {
		return false
	}
	b.Reset()
	s.logger.Info("熔断器已重置", zap.String("target", key))
	return true
}

// Remove 删除目标的熔断器，例如实例注销后
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.breakers[key]; !ok {
		return false
	}
	delete(s.breakers, key)
	return true
}

// Snapshot 返回所有熔断器的状态快照，按键排序
func (s *Store) Snapshot() []Snapshot {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(list))
	for _, b := range list {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Key < snaps[j].Key
	})
	return snaps
}

func (s *Store) onTransition(key string, from, to State) {
	fields := []zap.Field{
		zap.String("target", key),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		s.logger.Warn("熔断器状态变化", fields...)
	} else {
		s.logger.Info("熔断器状态变化", fields...)
	}
	for _, h := range s.hooks {
		h(key, from, to)
	}
}
