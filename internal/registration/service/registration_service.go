package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// ErrInstanceNotFound 实例不存在
var ErrInstanceNotFound = errors.New("服务实例不存在")

// RegistrationService 提供服务注册相关的业务逻辑
type RegistrationService interface {
	// RegisterService 注册服务实例，未提供实例ID时自动生成
	RegisterService(ctx context.Context, req *model.ServiceRegistrationRequest) (*model.ServiceRegistrationResponse, error)

	// DeregisterService 注销服务实例
	DeregisterService(ctx context.Context, serviceName, instanceID string) error

	// UpdateHeartbeat 更新实例心跳
	UpdateHeartbeat(ctx context.Context, serviceName, instanceID string) (*model.ServiceHeartbeatResponse, error)
}

// registrationService 实现 RegistrationService 接口
type registrationService struct {
	registry *registry.Registry
}

// NewRegistrationService 创建一个新的服务注册服务
func NewRegistrationService(reg *registry.Registry) RegistrationService {
	return &registrationService{
		registry: reg,
	}
}

// RegisterService 注册服务实例
func (s *registrationService) RegisterService(ctx context.Context, req *model.ServiceRegistrationRequest) (*model.ServiceRegistrationResponse, error) {
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	inst, err := s.registry.Register(req.ServiceName, instanceID, req.Address, req.Metadata)
	if err != nil {
		return nil, err
	}

	return &model.ServiceRegistrationResponse{
		ServiceName:  inst.ServiceName,
		InstanceID:   inst.InstanceID,
		RegisteredAt: inst.RegisteredAt,
	}, nil
}

// DeregisterService 注销服务实例
func (s *registrationService) DeregisterService(ctx context.Context, serviceName, instanceID string) error {
	if !s.registry.Deregister(serviceName, instanceID) {
		return ErrInstanceNotFound
	}
	return nil
}

// UpdateHeartbeat 更新实例心跳
func (s *registrationService) UpdateHeartbeat(ctx context.Context, serviceName, instanceID string) (*model.ServiceHeartbeatResponse, error) {
	if !s.registry.Heartbeat(serviceName, instanceID) {
		return nil, ErrInstanceNotFound
	}

	inst, ok := s.registry.Get(serviceName, instanceID)
	if !ok {
		// 心跳后被并发注销
		return nil, ErrInstanceNotFound
	}

	return &model.ServiceHeartbeatResponse{
		LastHeartbeat: inst.LastHeartbeat,
	}, nil
}
