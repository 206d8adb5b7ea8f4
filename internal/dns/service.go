package dns

import (
	"context"
	"time"

	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// Service 定义DNS服务的接口
type Service interface {
	// Start 启动DNS服务
	Start(ctx context.Context) error

	// Stop 停止DNS服务
	Stop() error

	// Addr 返回实际监听地址
	Addr() string
}

// InstanceSource DNS应答的实例来源，*registry.Registry实现该接口
type InstanceSource interface {
	ListInstances(serviceName string, opts registry.ListOptions) []*model.ServiceInstance
}

// Config 定义DNS服务的配置项
type Config struct {
	// DNSAddr 是DNS服务的监听地址，格式为 "ip:port"
	DNSAddr string

	// Domain 是服务域名后缀
	Domain string

	// TTL 是DNS响应的存活时间
	TTL uint32

	// Timeout 是读写超时时间
	Timeout time.Duration

	// EnableTCP 是否启用TCP监听
	EnableTCP bool

	// EnableUDP 是否启用UDP监听
	EnableUDP bool
}

// DefaultConfig 返回默认的DNS服务配置
func DefaultConfig() *Config {
	return &Config{
		DNSAddr:   ":5353",
		Domain:    "service.local",
		TTL:       10,
		Timeout:   5 * time.Second,
		EnableTCP: true,
		EnableUDP: true,
	}
}
