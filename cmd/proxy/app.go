package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/admin"
	"github.com/hewenyu/kong-proxy/internal/balancer"
	"github.com/hewenyu/kong-proxy/internal/breaker"
	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/dispatcher"
	"github.com/hewenyu/kong-proxy/internal/dns"
	"github.com/hewenyu/kong-proxy/internal/gateway"
	"github.com/hewenyu/kong-proxy/internal/health"
	"github.com/hewenyu/kong-proxy/internal/ratelimit"
	"github.com/hewenyu/kong-proxy/internal/registration"
	"github.com/hewenyu/kong-proxy/internal/registry"
	"github.com/hewenyu/kong-proxy/internal/retry"
	"github.com/hewenyu/kong-proxy/internal/store/etcd"
	"github.com/hewenyu/kong-proxy/internal/telemetry"
	"github.com/hewenyu/kong-proxy/internal/transport"
)

// app 持有进程内所有组件
type app struct {
	cfg    *config.Config
	logger config.Logger

	registry   *registry.Registry
	breakers   *breaker.Store
	dispatcher *dispatcher.Dispatcher
	monitor    *health.Monitor
	limiter    ratelimit.Limiter
	emitter    *telemetry.AsyncEmitter
	metrics    *prometheus.Registry

	registrationServer *registration.Server
	adminServer        *admin.Server
	gatewayServer      *gateway.Server
	dnsServer          dns.Service
	etcdClient         *etcd.Client
	announcer          *etcd.Announcer

	cancel context.CancelFunc
	done   chan struct{}
}

// newApp 按配置组装组件，不启动任何监听
func newApp(cfg *config.Config, logger config.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = registry.New(
		registry.WithExpiryWindow(cfg.Registry.ExpiryWindow),
		registry.WithLogger(logger.With(zap.String("component", "registry"))),
	)

	var sinks []telemetry.Emitter
	sinks = append(sinks, telemetry.NewLogSink(logger.With(zap.String("component", "telemetry"))))

	var promSink *telemetry.PrometheusSink
	if cfg.Metrics.Enabled {
		a.metrics = prometheus.NewRegistry()
		a.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		var err error
		promSink, err = telemetry.NewPrometheusSink(a.metrics)
		if err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	a.emitter = telemetry.NewAsyncEmitter(telemetry.Multi(sinks...), cfg.Dispatcher.EventBuffer, logger)

	granularity := breaker.Granularity(cfg.Breaker.Granularity)
	storeOpts := []breaker.StoreOption{
		breaker.WithLogger(logger.With(zap.String("component", "breaker"))),
	}
	if promSink != nil {
		storeOpts = append(storeOpts, breaker.WithTransitionHook(func(key string, from, to breaker.State) {
			promSink.ObserveBreakerTransition(key, from.String(), to.String())
		}))
	}
	a.breakers = breaker.NewStore(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, storeOpts...)

	selector := balancer.NewSelector(a.registry,
		balancer.WithFailureCounter(a.breakers, func(inst *model.ServiceInstance) string {
			return breaker.TargetKey(inst.ServiceName, inst.InstanceID, granularity)
		}))

	retrier := retry.NewExecutor(retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.Jitter,
	}, retry.WithLogger(logger.With(zap.String("component", "retry"))))

	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.New(ratelimit.Config{
			Algorithm: ratelimit.Algorithm(cfg.RateLimit.Algorithm),
			Limit:     cfg.RateLimit.Limit,
			Window:    cfg.RateLimit.Window,
			Burst:     cfg.RateLimit.Burst,
		}, nil)
		if err != nil {
			return nil, err
		}
		a.limiter = limiter
	}

	strategy, err := balancer.ParseStrategy(cfg.Balancer.Strategy)
	if err != nil {
		return nil, err
	}
	deps := dispatcher.Deps{
		Registry: a.registry,
		Selector: selector,
		Breakers: a.breakers,
		Retrier:  retrier,
		Caller:   transport.NewHTTPCaller(nil),
		Limiter:  a.limiter,
		Emitter:  a.emitter,
		Logger:   logger.With(zap.String("component", "dispatcher")),
	}
	a.dispatcher, err = dispatcher.New(dispatcher.Config{
		Strategy:       strategy,
		Granularity:    granularity,
		DefaultTimeout: cfg.Dispatcher.DefaultTimeout,
		CallTimeout:    cfg.Dispatcher.CallTimeout,
	}, deps)
	if err != nil {
		return nil, err
	}
	a.registry.AddListener(a.dispatcher.HandleRegistryEvent)
	if promSink != nil && granularity == breaker.GranularityInstance {
		a.registry.AddListener(func(e registry.Event) {
			if e.Type == registry.EventDeregistered || e.Type == registry.EventExpired {
				promSink.ForgetTarget(breaker.TargetKey(e.Instance.ServiceName, e.Instance.InstanceID, granularity))
			}
		})
	}

	probeClient := transport.NewHTTPProber(nil)
	a.monitor = health.NewMonitor(a.registry, probeClient, health.Config{
		Interval:        cfg.Health.Interval,
		Timeout:         cfg.Health.Timeout,
		CleanupInterval: cfg.Registry.CleanupInterval,
		DefaultPath:     cfg.Health.DefaultPath,
		MaxConcurrency:  cfg.Health.MaxConcurrency,
	}, logger.With(zap.String("component", "health")))

	a.registrationServer = registration.NewServer(a.registry, cfg.API.Registration, logger)
	a.adminServer = admin.NewServer(a.dispatcher, admin.Options{
		Listen:      cfg.API.Management,
		Gatherer:    gathererOf(a.metrics),
		MetricsPath: cfg.Metrics.Path,
	}, logger)
	a.gatewayServer = gateway.NewServer(a.dispatcher, cfg.API.Proxy, logger)

	if cfg.DNS.Enabled {
		a.dnsServer = dns.NewServer(&dns.Config{
			DNSAddr:   net.JoinHostPort(cfg.DNS.ListenAddress, strconv.Itoa(cfg.DNS.Port)),
			Domain:    cfg.DNS.Domain,
			TTL:       cfg.DNS.TTL,
			Timeout:   5 * time.Second,
			EnableTCP: true,
			EnableUDP: true,
		}, a.registry, logger.With(zap.String("component", "dns")))
	}

	if cfg.Etcd.Enabled {
		a.etcdClient, err = etcd.NewClient(etcd.ClientConfig{
			Endpoints:      cfg.Etcd.Endpoints,
			Username:       cfg.Etcd.Username,
			Password:       cfg.Etcd.Password,
			DialTimeout:    cfg.Etcd.DialTimeout,
			RequestTimeout: cfg.Etcd.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.announcer = etcd.NewAnnouncer(a.etcdClient, a.registry, etcd.AnnouncerConfig{
			Prefix: cfg.Etcd.Prefix,
		}, logger.With(zap.String("component", "etcd")))
		a.registry.AddListener(a.announcer.Listen)
	}

	return a, nil
}

// gathererOf 指标关闭时返回nil接口
func gathererOf(r *prometheus.Registry) prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r
}

// start 启动后台任务和所有监听
func (a *app) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	// 先于任何可能失败的步骤启动，shutdown依赖done被关闭
	go a.cleanupLimiter(ctx, a.done)

	if a.announcer != nil {
		if err := a.announcer.Start(ctx); err != nil {
			return fmt.Errorf("启动etcd发布失败: %w", err)
		}
	}
	a.monitor.Start(ctx)

	if err := a.registrationServer.Start(); err != nil {
		return err
	}
	if err := a.adminServer.Start(); err != nil {
		return err
	}
	if err := a.gatewayServer.Start(); err != nil {
		return err
	}
	if a.dnsServer != nil {
		if err := a.dnsServer.Start(ctx); err != nil {
			return fmt.Errorf("启动DNS服务失败: %w", err)
		}
	}
	return nil
}

// cleanupLimiter 定期清理空闲的限流键
func (a *app) cleanupLimiter(ctx context.Context, done chan struct{}) {
	defer close(done)

	cleaner, ok := a.limiter.(interface{ Cleanup() int })
	if !ok {
		<-ctx.Done()
		return
	}

	interval := a.cfg.RateLimit.Window
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cleaner.Cleanup(); n > 0 {
				a.logger.Debug("清理空闲限流键", zap.Int("count", n))
			}
		}
	}
}

// shutdown 按与启动相反的顺序关闭，启动中途失败时也可调用
func (a *app) shutdown(ctx context.Context) {
	if a.dnsServer != nil {
		if err := a.dnsServer.Stop(); err != nil {
			a.logger.Error("关闭DNS服务失败", zap.Error(err))
		}
	}
	servers := []struct {
		name     string
		shutdown func(context.Context) error
	}{
		{"代理入口", a.gatewayServer.Shutdown},
		{"管理API", a.adminServer.Shutdown},
		{"服务注册API", a.registrationServer.Shutdown},
	}
	for _, srv := range servers {
		if err := srv.shutdown(ctx); err != nil {
			a.logger.Error("关闭服务失败", zap.String("server", srv.name), zap.Error(err))
		}
	}

	a.monitor.Stop()
	if a.announcer != nil {
		a.announcer.Stop()
	}
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.emitter.Close()
	if a.etcdClient != nil {
		if err := a.etcdClient.Close(); err != nil {
			a.logger.Error("关闭etcd客户端失败", zap.Error(err))
		}
	}
}
