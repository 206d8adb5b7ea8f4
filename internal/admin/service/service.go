package service

import (
	"context"
	"errors"

	"github.com/hewenyu/kong-proxy/internal/breaker"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/dispatcher"
)

// ErrBreakerNotFound 熔断器不存在
var ErrBreakerNotFound = errors.New("熔断器不存在")

// ServiceSummary 服务概要
type ServiceSummary struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Healthy int    `json:"healthy"`
}

// Query 管理API依赖的查询能力，由dispatcher.Dispatcher实现
type Query interface {
	Discover(serviceName string, includeUnhealthy bool) ([]*model.ServiceInstance, error)
	Health() dispatcher.HealthSummary
	Breakers() []breaker.Snapshot
	ResetBreaker(key string) bool
}

// AdminService 定义管理API的服务层接口
type AdminService interface {
	// ListServices 查询所有服务的概要
	ListServices(ctx context.Context) ([]ServiceSummary, error)

	// Discover 查询服务实例，includeUnhealthy为false时只返回可用实例
	Discover(ctx context.Context, serviceName string, includeUnhealthy bool) ([]*model.ServiceInstance, error)

	// Health 查询汇总健康状态
	Health(ctx context.Context) (*dispatcher.HealthSummary, error)

	// ListBreakers 查询所有熔断器
	ListBreakers(ctx context.Context) ([]breaker.Snapshot, error)

	// ResetBreaker 重置熔断器
	ResetBreaker(ctx context.Context, key string) error
}

// adminService 实现 AdminService 接口
type adminService struct {
	query Query
}

// NewAdminService 创建一个新的管理服务
func NewAdminService(query Query) AdminService {
	return &adminService{
		query: query,
	}
}

// ListServices 查询所有服务的概要
func (s *adminService) ListServices(ctx context.Context) ([]ServiceSummary, error) {
	health := s.query.Health()
	summaries := make([]ServiceSummary, 0, len(health.Services))
	for _, svc := range health.Services {
		summaries = append(summaries, ServiceSummary{
			Name:    svc.Name,
			Status:  svc.Status,
			Total:   svc.Total,
			Healthy: svc.Healthy,
		})
	}
	return summaries, nil
}

// Discover 查询服务实例
func (s *adminService) Discover(ctx context.Context, serviceName string, includeUnhealthy bool) ([]*model.ServiceInstance, error) {
	return s.query.Discover(serviceName, includeUnhealthy)
}

// Health 查询汇总健康状态
func (s *adminService) Health(ctx context.Context) (*dispatcher.HealthSummary, error) {
	h := s.query.Health()
	return &h, nil
}

// ListBreakers 查询所有熔断器
func (s *adminService) ListBreakers(ctx context.Context) ([]breaker.Snapshot, error) {
	return s.query.Breakers(), nil
}

// ResetBreaker 重置熔断器
func (s *adminService) ResetBreaker(ctx context.Context, key string) error {
	if !s.query.ResetBreaker(key) {
		return ErrBreakerNotFound
	}
	return nil
}
