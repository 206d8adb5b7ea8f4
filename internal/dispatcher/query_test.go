package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hewenyu/kong-proxy/internal/breaker"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_RegisterThenDeregister(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)

	f.register(t, "pricing", "p1", "10.0.0.1:80")
	list, err := d.Discover("pricing", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].InstanceID)

	require.True(t, f.registry.Deregister("pricing", "p1"))
	list, err = d.Discover("pricing", false)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = d.Discover("", false)
	assert.Error(t, err)
}

func TestDiscover_IncludeUnhealthy(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)
	f.register(t, "pricing", "p1", "10.0.0.1:80")
	require.True(t, f.registry.RecordProbe("pricing", "p1", false, time.Now()))

	list, _ := d.Discover("pricing", false)
	assert.Empty(t, list)
	list, _ = d.Discover("pricing", true)
	assert.Len(t, list, 1)
}

func TestHealth_Summary(t *testing.T) {
	f := newFixture(t)
	f.breakers = breaker.NewStore(breaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	f.register(t, "pricing", "p1", "10.0.0.1:80")
	f.register(t, "pricing", "p2", "10.0.0.2:80")
	f.register(t, "orders", "o1", "10.0.1.1:80")
	require.True(t, f.registry.RecordProbe("orders", "o1", false, time.Now()))
	d := f.build(t)

	f.breakers.Execute(context.Background(), "pricing/p2", func(context.Context) error {
		return errors.New("boom")
	})

	h := d.Health()
	assert.Equal(t, StatusDegraded, h.Status)
	require.Len(t, h.Services, 2)

	orders := h.Services[0]
	assert.Equal(t, "orders", orders.Name)
	assert.Equal(t, StatusDegraded, orders.Status)
	assert.Equal(t, model.HealthStatusUnhealthy, orders.Instances[0].Status)

	pricing := h.Services[1]
	assert.Equal(t, StatusHealthy, pricing.Status)
	assert.Equal(t, 2, pricing.Healthy)
	assert.Equal(t, "closed", pricing.Instances[0].BreakerState)
	assert.Equal(t, "open", pricing.Instances[1].BreakerState)

	require.Len(t, h.Breakers, 1)
	assert.True(t, d.ResetBreaker("pricing/p2"))
	assert.Equal(t, "closed", d.Breakers()[0].State)
}

func TestHandleRegistryEvent_RemovesBreaker(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)
	f.registry.AddListener(d.HandleRegistryEvent)
	f.register(t, "pricing", "p1", "10.0.0.1:80")

	_, err := d.Dispatch(context.Background(), &Request{Service: "pricing"})
	require.NoError(t, err)
	_, ok := f.breakers.Lookup("pricing/p1")
	require.True(t, ok)

	f.registry.Deregister("pricing", "p1")
	_, ok = f.breakers.Lookup("pricing/p1")
	assert.False(t, ok)

	// 服务粒度不删除
	d.cfg.Granularity = breaker.GranularityService
	f.breakers.Get("pricing")
	d.HandleRegistryEvent(registry.Event{Type: registry.EventDeregistered, Instance: &model.ServiceInstance{ServiceName: "pricing", InstanceID: "p1"}})
	_, ok = f.breakers.Lookup("pricing")
	assert.True(t, ok)
}

func TestHandleRegistryEvent_KeepsBreakerOfReregisteredInstance(t *testing.T) {
	f := newFixture(t)
	d := f.build(t)
	f.register(t, "pricing", "p1", "10.0.0.1:80")
	f.breakers.Get("pricing/p1")

	// 过期通知晚于重新注册到达
	d.HandleRegistryEvent(registry.Event{Type: registry.EventExpired, Instance: &model.ServiceInstance{ServiceName: "pricing", InstanceID: "p1"}})
	_, ok := f.breakers.Lookup("pricing/p1")
	assert.True(t, ok)
}
