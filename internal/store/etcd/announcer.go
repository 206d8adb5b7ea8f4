package etcd

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// DefaultPrefix 实例信息在etcd中的默认前缀
const DefaultPrefix = "/kong-proxy/instances"

// KV 发布实例信息所需的存储能力，*Client实现该接口
type KV interface {
	GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	PutWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteWithPrefix(ctx context.Context, prefix string) error
}

// Source 可以枚举全部实例的注册表
type Source interface {
	Get(serviceName, instanceID string) (*model.ServiceInstance, bool)
	AllServices() map[string][]*model.ServiceInstance
	ExpiryWindow() time.Duration
}

// AnnouncerConfig 发布配置
type AnnouncerConfig struct {
	Prefix string
	// TTL 键的租约时长，为0时使用注册表过期窗口
	TTL time.Duration
	// RefreshInterval 全量重新发布的间隔，为0时为TTL的三分之一
	RefreshInterval time.Duration
	// QueueSize 待发布事件队列长度
	QueueSize int
}

// record 写入etcd的实例信息
type record struct {
	ServiceName   string            `json:"service_name"`
	InstanceID    string            `json:"instance_id"`
	Address       string            `json:"address"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Healthy       bool              `json:"healthy"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// Announcer 把注册表变更异步发布到etcd，供外部系统读取
// etcd只是注册表的只读镜像，写入失败只记录日志
type Announcer struct {
	kv      KV
	source  Source
	cfg     AnnouncerConfig
	logger  config.Logger
	queue   chan registry.Event
	dropped atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewAnnouncer 创建发布器
func NewAnnouncer(kv KV, source Source, cfg AnnouncerConfig, logger config.Logger) *Announcer {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.TTL <= 0 {
		cfg.TTL = source.ExpiryWindow()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Announcer{
		kv:     kv,
		source: source,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan registry.Event, cfg.QueueSize),
	}
}

// Key 返回实例对应的etcd键
func (a *Announcer) Key(serviceName, instanceID string) string {
	return a.cfg.Prefix + "/" + serviceName + "/" + instanceID
}

// Listen 实现registry.Listener，队列满时丢弃事件，由定期全量发布补齐
func (a *Announcer) Listen(e registry.Event) {
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
		a.logger.Warn("etcd发布队列已满，丢弃事件",
			zap.String("type", string(e.Type)),
			zap.String("serviceName", e.Instance.ServiceName),
			zap.String("instanceId", e.Instance.InstanceID))
	}
}

// Dropped 返回丢弃的事件数
func (a *Announcer) Dropped() int64 {
	return a.dropped.Load()
}

// Start 清理前缀下的旧数据并启动后台发布
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	stale, err := a.kv.GetWithPrefix(ctx, a.cfg.Prefix+"/")
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		if err := a.kv.DeleteWithPrefix(ctx, a.cfg.Prefix+"/"); err != nil {
			return err
		}
		a.logger.Info("已清理上次运行遗留的实例", zap.Int("count", len(stale)))
	}
	a.Refresh(ctx)

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.run(ctx, a.done)

	a.logger.Info("etcd实例发布已启动",
		zap.String("prefix", a.cfg.Prefix),
		zap.Duration("ttl", a.cfg.TTL))
	return nil
}

// Stop 停止后台发布并等待退出
func (a *Announcer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done
}

// Refresh 全量发布注册表中的实例，续期租约
func (a *Announcer) Refresh(ctx context.Context) int {
	n := 0
	for _, instances := range a.source.AllServices() {
		for _, inst := range instances {
			if a.put(ctx, inst) {
				n++
			}
		}
	}
	return n
}

func (a *Announcer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.queue:
			a.apply(ctx, e)
		case <-ticker.C:
			a.Refresh(ctx)
		}
	}
}

// apply 把单个注册表事件写入etcd
func (a *Announcer) apply(ctx context.Context, e registry.Event) {
	if e.Instance == nil {
		return
	}
	switch e.Type {
	case registry.EventRegistered, registry.EventHealthChanged:
		a.put(ctx, e.Instance)
	case registry.EventDeregistered, registry.EventExpired:
		// 通知在锁外发出，期间实例可能已重新注册
		if inst, ok := a.source.Get(e.Instance.ServiceName, e.Instance.InstanceID); ok {
			a.put(ctx, inst)
			return
		}
		key := a.Key(e.Instance.ServiceName, e.Instance.InstanceID)
		if err := a.kv.Delete(ctx, key); err != nil {
			a.logger.Warn("etcd删除实例失败", zap.String("key", key), zap.Error(err))
		}
	}
}

func (a *Announcer) put(ctx context.Context, inst *model.ServiceInstance) bool {
	key := a.Key(inst.ServiceName, inst.InstanceID)
	value, err := json.Marshal(record{
		ServiceName:   inst.ServiceName,
		InstanceID:    inst.InstanceID,
		Address:       inst.Address,
		Metadata:      inst.Metadata,
		Healthy:       inst.Healthy,
		RegisteredAt:  inst.RegisteredAt,
		LastHeartbeat: inst.LastHeartbeat,
	})
	if err != nil {
		a.logger.Error("序列化实例失败", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := a.kv.PutWithLease(ctx, key, value, a.cfg.TTL); err != nil {
		a.logger.Warn("etcd发布实例失败", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
