package balancer

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// Strategy 负载均衡策略
type Strategy string

const (
	// RoundRobin 按实例ID顺序轮询
	RoundRobin Strategy = "round-robin"
	// Random 均匀随机
	Random Strategy = "random"
	// LeastFailures 优先选择熔断失败计数最少的实例，相同时轮询
	LeastFailures Strategy = "least-failures"
	// WeightedRandom 按元数据weight加权随机
	WeightedRandom Strategy = "weighted-random"
)

// ParseStrategy 解析策略名称
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, Random, LeastFailures, WeightedRandom:
		return Strategy(s), nil
	default:
		return "", errs.NewValidationError(fmt.Sprintf("未知的负载均衡策略: %s", s))
	}
}

// InstanceSource 实例来源
type InstanceSource interface {
	ListInstances(serviceName string, opts registry.ListOptions) []*model.ServiceInstance
}

// FailureCounter 查询目标的失败计数
type FailureCounter interface {
	FailureCount(key string) int
}

// KeyFunc 计算实例对应的熔断目标键
type KeyFunc func(inst *model.ServiceInstance) string

// Option 选择器选项
type Option func(*Selector)

// WithFailureCounter 设置least-failures策略使用的失败计数来源
func WithFailureCounter(fc FailureCounter, key KeyFunc) Option {
	return func(s *Selector) {
		s.failures = fc
		s.key = key
	}
}

// WithIntn 替换随机数来源，返回[0,n)
func WithIntn(intn func(n int) int) Option {
	return func(s *Selector) {
		s.intn = intn
	}
}

// Selector 从服务的可用实例中选择一个
type Selector struct {
	source   InstanceSource
	failures FailureCounter
	key      KeyFunc
	intn     func(n int) int

	mu      sync.RWMutex
	cursors map[string]*atomic.Uint64
}

// NewSelector 创建实例选择器
func NewSelector(source InstanceSource, opts ...Option) *Selector {
	s := &Selector{
		source:  source,
		intn:    rand.IntN,
		cursors: make(map[string]*atomic.Uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select 按策略选择一个健康且未过期的实例，没有可用实例时返回NoHealthyInstanceError
func (s *Selector) Select(serviceName string, strategy Strategy) (*model.ServiceInstance, error) {
	if serviceName == "" {
		return nil, errs.NewValidationError("服务名称不能为空")
	}

	instances := s.source.ListInstances(serviceName, registry.ListOptions{OnlyHealthy: true})
	if len(instances) == 0 {
		return nil, errs.NewNoHealthyInstanceError(serviceName)
	}

	switch strategy {
	case RoundRobin, "":
		return instances[s.next(serviceName)%uint64(len(instances))], nil
	case Random:
		return instances[s.intn(len(instances))], nil
	case LeastFailures:
		return s.leastFailures(serviceName, instances), nil
	case WeightedRandom:
		return s.weightedRandom(instances), nil
	default:
		return nil, errs.NewValidationError(fmt.Sprintf("未知的负载均衡策略: %s", strategy))
	}
}

func (s *Selector) leastFailures(serviceName string, instances []*model.ServiceInstance) *model.ServiceInstance {
	if s.failures == nil || s.key == nil {
		return instances[s.next(serviceName)%uint64(len(instances))]
	}

	least := -1
	var candidates []*model.ServiceInstance
	for _, inst := range instances {
		n := s.failures.FailureCount(s.key(inst))
		switch {
		case least < 0 || n < least:
			least = n
			candidates = append(candidates[:0], inst)
		case n == least:
			candidates = append(candidates, inst)
		}
	}
	return candidates[s.next(serviceName)%uint64(len(candidates))]
}

func (s *Selector) weightedRandom(instances []*model.ServiceInstance) *model.ServiceInstance {
	total := 0
	for _, inst := range instances {
		total += inst.Weight()
	}

	r := s.intn(total)
	for _, inst := range instances {
		r -= inst.Weight()
		if r < 0 {
			return inst
		}
	}
	return instances[len(instances)-1]
}

// next 返回服务的轮询序号，每个服务独立
func (s *Selector) next(serviceName string) uint64 {
	s.mu.RLock()
	c, ok := s.cursors[serviceName]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if c, ok = s.cursors[serviceName]; !ok {
			c = new(atomic.Uint64)
			s.cursors[serviceName] = c
		}
		s.mu.Unlock()
	}
	return c.Add(1) - 1
}
