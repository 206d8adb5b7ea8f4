package dispatcher

import (
	"time"

	"github.com/hewenyu/kong-proxy/internal/breaker"
	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// 汇总状态
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// InstanceHealth 实例健康信息
type InstanceHealth struct {
	InstanceID    string             `json:"instance_id"`
	Address       string             `json:"address"`
	Status        model.HealthStatus `json:"status"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	ProbeFailures int                `json:"probe_failures"`
	BreakerState  string             `json:"breaker_state"`
}

// ServiceHealth 服务健康信息
type ServiceHealth struct {
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	Total     int              `json:"total"`
	Healthy   int              `json:"healthy"`
	Instances []InstanceHealth `json:"instances"`
}

// HealthSummary 所有服务、实例和熔断器的汇总状态
type HealthSummary struct {
	Status    string             `json:"status"`
	Services  []ServiceHealth    `json:"services"`
	Breakers  []breaker.Snapshot `json:"breakers"`
	Timestamp time.Time          `json:"timestamp"`
}

// Discover 返回服务的可用实例
func (d *Dispatcher) Discover(serviceName string, includeUnhealthy bool) ([]*model.ServiceInstance, error) {
	if serviceName == "" {
		return nil, errs.NewValidationError("服务名称不能为空")
	}
	return d.registry.ListInstances(serviceName, registry.ListOptions{OnlyHealthy: !includeUnhealthy}), nil
}

// Health 返回汇总状态，任一服务没有可用实例时为degraded
func (d *Dispatcher) Health() HealthSummary {
	now := d.registry.Now()
	window := d.registry.ExpiryWindow()
	all := d.registry.AllServices()

	summary := HealthSummary{
		Status:    StatusHealthy,
		Services:  make([]ServiceHealth, 0, len(all)),
		Breakers:  d.breakers.Snapshot(),
		Timestamp: now,
	}
	for _, name := range d.registry.ServiceNames() {
		instances, ok := all[name]
		if !ok {
			continue
		}
		sh := ServiceHealth{
			Name:      name,
			Status:    StatusHealthy,
			Total:     len(instances),
			Instances: make([]InstanceHealth, 0, len(instances)),
		}
		for _, inst := range instances {
			status := inst.Status(now, window)
			if status == model.HealthStatusHealthy {
				sh.Healthy++
			}
			sh.Instances = append(sh.Instances, InstanceHealth{
				InstanceID:    inst.InstanceID,
				Address:       inst.Address,
				Status:        status,
				LastHeartbeat: inst.LastHeartbeat,
				ProbeFailures: inst.ProbeFailures,
				BreakerState:  d.breakers.State(breaker.TargetKey(name, inst.InstanceID, d.cfg.Granularity)).String(),
			})
		}
		if sh.Healthy == 0 {
			sh.Status = StatusDegraded
			summary.Status = StatusDegraded
		}
		summary.Services = append(summary.Services, sh)
	}
	return summary
}

// Breakers 返回熔断器快照
func (d *Dispatcher) Breakers() []breaker.Snapshot {
	return d.breakers.Snapshot()
}

// ResetBreaker 重置指定目标的熔断器
func (d *Dispatcher) ResetBreaker(key string) bool {
	return d.breakers.Reset(key)
}

// HandleRegistryEvent 实例注销或过期后删除其熔断器
func (d *Dispatcher) HandleRegistryEvent(e registry.Event) {
	if d.cfg.Granularity != breaker.GranularityInstance || e.Instance == nil {
		return
	}
	switch e.Type {
	case registry.EventDeregistered, registry.EventExpired:
		// 通知在锁外发出，重新注册的实例保留熔断器
		if _, live := d.registry.Get(e.Instance.ServiceName, e.Instance.InstanceID); live {
			return
		}
		d.breakers.Remove(breaker.TargetKey(e.Instance.ServiceName, e.Instance.InstanceID, d.cfg.Granularity))
	}
}
