package registry

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"go.uber.org/zap"
)

// DefaultExpiryWindow 默认心跳过期窗口
const DefaultExpiryWindow = 90 * time.Second

// EventType 注册表变更类型
type EventType string

const (
	// EventRegistered 实例注册或重新注册
	EventRegistered EventType = "registered"
	// EventDeregistered 实例主动注销
	EventDeregistered EventType = "deregistered"
	// EventExpired 实例心跳过期被清理
	EventExpired EventType = "expired"
	// EventHealthChanged 探测导致健康状态变化
	EventHealthChanged EventType = "health_changed"
)

// Event 注册表变更事件
type Event struct {
	Type     EventType
	Instance *model.ServiceInstance
}

// Listener 注册表变更监听器，在锁外同步调用
type Listener func(Event)

// ListOptions 实例查询选项
type ListOptions struct {
	// OnlyHealthy 只返回健康且未过期的实例
	OnlyHealthy bool
}

// Option 注册表构造选项
type Option func(*Registry)

// WithClock 设置时钟，主要用于测试
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithExpiryWindow 设置心跳过期窗口
func WithExpiryWindow(window time.Duration) Option {
	return func(r *Registry) {
		r.expiryWindow = window
	}
}

// WithLogger 设置日志
func WithLogger(logger config.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithListener 添加变更监听器
func WithListener(l Listener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

// Registry 内存服务注册表，服务名 -> 实例ID -> 实例
type Registry struct {
	mu           sync.RWMutex
	services     map[string]map[string]*model.ServiceInstance
	now          func() time.Time
	expiryWindow time.Duration
	logger       config.Logger

	listenerMu sync.RWMutex
	listeners  []Listener
}

// New 创建注册表
func New(opts ...Option) *Registry {
	r := &Registry{
		services:     make(map[string]map[string]*model.ServiceInstance),
		now:          time.Now,
		expiryWindow: DefaultExpiryWindow,
		logger:       config.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now 返回注册表使用的当前时间
func (r *Registry) Now() time.Time {
	return r.now()
}

// ExpiryWindow 返回心跳过期窗口
func (r *Registry) ExpiryWindow() time.Duration {
	return r.expiryWindow
}

// Register 注册服务实例，重复注册会覆盖地址和元数据并刷新心跳
func (r *Registry) Register(serviceName, instanceID, address string, metadata map[string]string) (*model.ServiceInstance, error) {
	if serviceName == "" || instanceID == "" || address == "" {
		return nil, errs.NewValidationError("服务名称、实例ID和地址不能为空")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, errs.NewValidationError("实例地址格式无效: " + address)
	}

	r.mu.Lock()
	now := r.now()
	instances, ok := r.services[serviceName]
	if !ok {
		instances = make(map[string]*model.ServiceInstance)
		r.services[serviceName] = instances
	}

	inst, exists := instances[instanceID]
	if !exists {
		inst = &model.ServiceInstance{
			ServiceName:  serviceName,
			InstanceID:   instanceID,
			RegisteredAt: now,
		}
		instances[instanceID] = inst
	}
	inst.Address = address
	inst.Metadata = copyMetadata(metadata)
	inst.Healthy = true
	inst.ProbeFailures = 0
	// 心跳时间只能前进
	if now.After(inst.LastHeartbeat) {
		inst.LastHeartbeat = now
	}
	snapshot := inst.Clone()
	r.mu.Unlock()

	r.logger.Info("服务实例注册成功",
		zap.String("serviceName", serviceName),
		zap.String("instanceId", instanceID),
		zap.String("address", address),
		zap.Bool("reregister", exists))
	r.notify(Event{Type: EventRegistered, Instance: snapshot})

	return snapshot.Clone(), nil
}

// Deregister 注销服务实例，实例不存在时返回false
func (r *Registry) Deregister(serviceName, instanceID string) bool {
	r.mu.Lock()
	inst, ok := r.services[serviceName][instanceID]
	if ok {
		r.removeLocked(serviceName, instanceID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("服务实例已注销",
		zap.String("serviceName", serviceName),
		zap.String("instanceId", instanceID))
	r.notify(Event{Type: EventDeregistered, Instance: inst.Clone()})
	return true
}

// Heartbeat 更新实例心跳，并乐观地标记为健康，实例不存在时返回false
func (r *Registry) Heartbeat(serviceName, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.services[serviceName][instanceID]
	if !ok {
		return false
	}

	now := r.now()
	if now.After(inst.LastHeartbeat) {
		inst.LastHeartbeat = now
	}
	inst.Healthy = true
	return true
}

// RecordProbe 记录一次健康探测结果，at为探测发起时间
// 早于上次探测的结果会被丢弃，实例不存在时返回false
func (r *Registry) RecordProbe(serviceName, instanceID string, ok bool, at time.Time) bool {
	r.mu.Lock()
	inst, exists := r.services[serviceName][instanceID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	if at.Before(inst.LastProbeAt) {
		r.mu.Unlock()
		return true
	}

	changed := inst.Healthy != ok
	inst.LastProbeAt = at
	inst.Healthy = ok
	if ok {
		inst.ProbeFailures = 0
	} else {
		inst.ProbeFailures++
	}
	snapshot := inst.Clone()
	r.mu.Unlock()

	if changed {
		r.logger.Info("实例健康状态变化",
			zap.String("serviceName", serviceName),
			zap.String("instanceId", instanceID),
			zap.Bool("healthy", ok))
		r.notify(Event{Type: EventHealthChanged, Instance: snapshot})
	}
	return true
}

// Get 获取实例快照
func (r *Registry) Get(serviceName, instanceID string) (*model.ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.services[serviceName][instanceID]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// ListInstances 返回服务实例快照，按实例ID排序
func (r *Registry) ListInstances(serviceName string, opts ListOptions) []*model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.listLocked(serviceName, opts, r.now())
}

// AllServices 返回所有服务及其实例快照
func (r *Registry) AllServices() map[string][]*model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make(map[string][]*model.ServiceInstance, len(r.services))
	for name := range r.services {
		result[name] = r.listLocked(name, ListOptions{}, now)
	}
	return result
}

// ServiceNames 返回已注册的服务名称，按字母排序
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PurgeExpired 清理心跳过期的实例，不考虑健康标记，返回被清理的实例
func (r *Registry) PurgeExpired() []*model.ServiceInstance {
	r.mu.Lock()
	now := r.now()
	var purged []*model.ServiceInstance
	for name, instances := range r.services {
		for id, inst := range instances {
			if inst.Expired(now, r.expiryWindow) {
				purged = append(purged, inst.Clone())
				r.removeLocked(name, id)
			}
		}
	}
	r.mu.Unlock()

	for _, inst := range purged {
		r.logger.Warn("清理过期服务实例",
			zap.String("serviceName", inst.ServiceName),
			zap.String("instanceId", inst.InstanceID),
			zap.Time("lastHeartbeat", inst.LastHeartbeat))
		r.notify(Event{Type: EventExpired, Instance: inst})
	}
	return purged
}

// listLocked 调用方必须持有读锁
func (r *Registry) listLocked(serviceName string, opts ListOptions, now time.Time) []*model.ServiceInstance {
	instances := r.services[serviceName]
	result := make([]*model.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if opts.OnlyHealthy && !inst.Eligible(now, r.expiryWindow) {
			continue
		}
		result = append(result, inst.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InstanceID < result[j].InstanceID
	})
	return result
}

// removeLocked 调用方必须持有写锁
func (r *Registry) removeLocked(serviceName, instanceID string) {
	instances := r.services[serviceName]
	delete(instances, instanceID)
	if len(instances) == 0 {
		delete(r.services, serviceName)
	}
}

// AddListener 添加变更监听器
func (r *Registry) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(e Event) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
