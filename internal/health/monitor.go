package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Prober 健康探测接口，返回nil表示实例健康
type Prober interface {
	Probe(ctx context.Context, address, path string) error
}

// ProberFunc 函数形式的探测器
type ProberFunc func(ctx context.Context, address, path string) error

// Probe 实现Prober接口
func (f ProberFunc) Probe(ctx context.Context, address, path string) error {
	return f(ctx, address, path)
}

// Config 健康检查配置
type Config struct {
	Interval        time.Duration // 探测间隔
	Timeout         time.Duration // 单次探测超时
	CleanupInterval time.Duration // 过期清理间隔
	DefaultPath     string        // 默认探测路径
	MaxConcurrency  int           // 探测并发上限
}

// DefaultConfig 返回默认健康检查配置
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		Timeout:         5 * time.Second,
		CleanupInterval: 30 * time.Second,
		DefaultPath:     "/health",
		MaxConcurrency:  32,
	}
}

// ProbeReport 一轮探测的结果汇总
type ProbeReport struct {
	Probed    int
	Healthy   int
	Unhealthy int
}

// Monitor 主动探测注册表中的实例并清理过期实例
type Monitor struct {
	registry *registry.Registry
	prober   Prober
	cfg      Config
	logger   config.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor 创建健康监视器
func NewMonitor(reg *registry.Registry, prober Prober, cfg Config, logger config.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.DefaultPath == "" {
		cfg.DefaultPath = def.DefaultPath
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Monitor{
		registry: reg,
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProbeAll 并发探测所有实例一次，单个实例的失败或超时不影响其他实例
func (m *Monitor) ProbeAll(ctx context.Context) ProbeReport {
	var targets []*model.ServiceInstance
	for _, instances := range m.registry.AllServices() {
		targets = append(targets, instances...)
	}

	results := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)
	for i, inst := range targets {
		g.Go(func() error {
			results[i] = m.probeOne(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	report := ProbeReport{Probed: len(targets)}
	for _, ok := range results {
		if ok {
			report.Healthy++
		} else {
			report.Unhealthy++
		}
	}
	m.logger.Debug("健康探测完成",
		zap.Int("probed", report.Probed),
		zap.Int("healthy", report.Healthy),
		zap.Int("unhealthy", report.Unhealthy))
	return report
}

// Sweep 清理心跳过期的实例
func (m *Monitor) Sweep() []*model.ServiceInstance {
	return m.registry.PurgeExpired()
}

// probeOne 探测单个实例并记录结果，返回是否健康
func (m *Monitor) probeOne(ctx context.Context, inst *model.ServiceInstance) bool {
	startedAt := m.registry.Now()
	err := m.runProbe(ctx, inst)
	if err != nil && ctx.Err() != nil {
		// 监视器停止时中断的探测不记录结果
		return false
	}
	ok := err == nil
	if !ok {
		m.logger.Warn("实例健康探测失败",
			zap.String("serviceName", inst.ServiceName),
			zap.String("instanceId", inst.InstanceID),
			zap.String("address", inst.Address),
			zap.Error(err))
	}
	m.registry.RecordProbe(inst.ServiceName, inst.InstanceID, ok, startedAt)
	return ok
}

// runProbe 在独立协程中执行探测，超时后立即返回，探测器panic转换为失败
func (m *Monitor) runProbe(ctx context.Context, inst *model.ServiceInstance) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("探测器panic: %v", r)
			}
		}()
		result <- m.prober.Probe(ctx, inst.Address, inst.HealthCheckPath(m.cfg.DefaultPath))
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("探测超时: %w", ctx.Err())
	}
}

// Start 启动后台探测和清理任务
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
	m.logger.Info("健康监视器已启动",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("cleanupInterval", m.cfg.CleanupInterval))
}

// Stop 停止后台任务并等待退出
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("健康监视器已停止")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	probeTicker := time.NewTicker(m.cfg.Interval)
	defer probeTicker.Stop()
	cleanupTicker := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			m.ProbeAll(ctx)
		case <-cleanupTicker.C:
			m.Sweep()
		}
	}
}
