package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-proxy/internal/breaker"
	"github.com/hewenyu/kong-proxy/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	return cfg
}

// localConfig 所有监听使用随机端口
func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testConfig(t)
	for _, l := range []*config.ListenConfig{&cfg.API.Registration, &cfg.API.Management, &cfg.API.Proxy} {
		l.ListenAddress = "127.0.0.1"
		l.Port = 0
	}
	cfg.DNS.Enabled = false
	cfg.Etcd.Enabled = false
	return cfg
}

// shutdownWithin 在限定时间内完成关闭，否则测试失败
func shutdownWithin(t *testing.T, a *app, limit time.Duration) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ctx, cancel := context.WithTimeout(context.Background(), limit)
		defer cancel()
		a.shutdown(ctx)
	}()
	select {
	case <-finished:
	case <-time.After(limit + time.Second):
		t.Fatal("关闭超时")
	}
}

func TestNewApp_ProxiesAndExportsMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	a, err := newApp(testConfig(t), config.NewNopLogger())
	require.NoError(t, err)

	_, err = a.registry.Register("pricing", "p1", strings.TrimPrefix(upstream.URL, "http://"), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.gatewayServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/pricing/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	// 关闭后异步事件全部投递
	a.emitter.Close()

	rec = httptest.NewRecorder()
	a.adminServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `proxy_attempts_total{outcome="success",service="pricing"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewApp_DeregisterRemovesBreaker(t *testing.T) {
	a, err := newApp(testConfig(t), config.NewNopLogger())
	require.NoError(t, err)

	_, err = a.registry.Register("pricing", "p1", "127.0.0.1:1", nil)
	require.NoError(t, err)
	a.breakers.Get(breaker.TargetKey("pricing", "p1", breaker.GranularityInstance))
	require.Len(t, a.breakers.Snapshot(), 1)

	a.registry.Deregister("pricing", "p1")
	assert.Empty(t, a.breakers.Snapshot())
}

func TestNewApp_RejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Balancer.Strategy = "fastest"
	_, err := newApp(cfg, config.NewNopLogger())
	assert.Error(t, err)
}

func TestNewApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.RateLimit.Enabled = false

	a, err := newApp(cfg, config.NewNopLogger())
	require.NoError(t, err)
	assert.Nil(t, a.metrics)
	assert.Nil(t, a.limiter)

	rec := httptest.NewRecorder()
	a.adminServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_StartAndShutdown(t *testing.T) {
	a, err := newApp(localConfig(t), config.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, a.start(context.Background()))
	shutdownWithin(t, a, 3*time.Second)
}

func TestApp_ShutdownAfterEtcdStartFailure(t *testing.T) {
	cfg := localConfig(t)
	cfg.Etcd.Enabled = true
	cfg.Etcd.Endpoints = []string{"127.0.0.1:1"}
	cfg.Etcd.DialTimeout = 200 * time.Millisecond
	cfg.Etcd.RequestTimeout = 200 * time.Millisecond

	a, err := newApp(cfg, config.NewNopLogger())
	require.NoError(t, err)

	err = a.start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "启动etcd发布失败")
	shutdownWithin(t, a, 3*time.Second)
}

func TestApp_ShutdownAfterDNSStartFailure(t *testing.T) {
	// 占用端口使DNS监听失败
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	cfg := localConfig(t)
	cfg.DNS.Enabled = true
	cfg.DNS.ListenAddress = "127.0.0.1"
	cfg.DNS.Port = pc.LocalAddr().(*net.UDPAddr).Port

	a, err := newApp(cfg, config.NewNopLogger())
	require.NoError(t, err)

	err = a.start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "启动DNS服务失败")
	shutdownWithin(t, a, 3*time.Second)
}
