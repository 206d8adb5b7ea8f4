package model

import (
	"errors"
	"strconv"
	"time"
)

// 健康状态枚举
type HealthStatus string

const (
	// HealthStatusHealthy 表示实例健康
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 表示实例不健康
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusExpired 表示实例心跳过期
	HealthStatusExpired HealthStatus = "expired"
)

// 约定的元数据键
const (
	MetadataVersion         = "version"
	MetadataHealthCheckPath = "health_check_path"
	MetadataWeight          = "weight"
)

// MaxWeight 实例权重上限，与SRV记录的16位权重一致
const MaxWeight = 65535

// ServiceInstance 表示一个服务实例
type ServiceInstance struct {
	ServiceName   string            `json:"service_name"`
	InstanceID    string            `json:"instance_id"`
	Address       string            `json:"address"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	// Healthy 由健康检查维护，实例自身无法设置
	Healthy bool `json:"healthy"`
	// LastProbeAt 最近一次探测完成时间
	LastProbeAt time.Time `json:"last_probe_at,omitempty"`
	// ProbeFailures 连续探测失败次数
	ProbeFailures int `json:"probe_failures"`
}

// Clone 返回实例的深拷贝
func (s *ServiceInstance) Clone() *ServiceInstance {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Expired 判断心跳是否超过过期窗口
func (s *ServiceInstance) Expired(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(s.LastHeartbeat) > window
}

// Eligible 判断实例是否可以被选中
func (s *ServiceInstance) Eligible(now time.Time, window time.Duration) bool {
	return s.Healthy && !s.Expired(now, window)
}

// Status 返回实例当前的健康状态
func (s *ServiceInstance) Status(now time.Time, window time.Duration) HealthStatus {
	switch {
	case s.Expired(now, window):
		return HealthStatusExpired
	case s.Healthy:
		return HealthStatusHealthy
	default:
		return HealthStatusUnhealthy
	}
}

// HealthCheckPath 返回实例自定义的健康检查路径
func (s *ServiceInstance) HealthCheckPath(defaultPath string) string {
	if p := s.Metadata[MetadataHealthCheckPath]; p != "" {
		return p
	}
	return defaultPath
}

// Weight 返回实例权重，缺省或非法时为1，超过MaxWeight时取MaxWeight
func (s *ServiceInstance) Weight() int {
	w, err := strconv.Atoi(s.Metadata[MetadataWeight])
	if errors.Is(err, strconv.ErrRange) && w > 0 {
		return MaxWeight
	}
	if err != nil || w <= 0 {
		return 1
	}
	return min(w, MaxWeight)
}

// ServiceRegistrationRequest 表示服务注册请求
type ServiceRegistrationRequest struct {
	ServiceName string            `json:"service_name" validate:"required,max=253"`
	InstanceID  string            `json:"instance_id" validate:"omitempty,max=128"`
	Address     string            `json:"address" validate:"required,hostname_port"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ServiceRegistrationResponse 表示服务注册响应
type ServiceRegistrationResponse struct {
	ServiceName  string    `json:"service_name"`
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ServiceHeartbeatResponse 表示服务心跳响应
type ServiceHeartbeatResponse struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
