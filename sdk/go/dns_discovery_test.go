package sdk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-proxy/internal/dns"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

func startDNS(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	cfg := dns.DefaultConfig()
	cfg.DNSAddr = "127.0.0.1:0"
	cfg.EnableTCP = false
	s := dns.NewServer(cfg, reg, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s.Addr()
}

func TestDNSDiscovery_Lookup(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register("pricing", "p1", "10.0.0.1:8080", nil)
	require.NoError(t, err)
	_, err = reg.Register("pricing", "p2", "10.0.0.2:8081", map[string]string{"weight": "4"})
	require.NoError(t, err)

	d := NewDNSDiscovery(startDNS(t, reg), "service.local", time.Minute)

	endpoints, err := d.Lookup(context.Background(), "pricing")
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "10.0.0.1:8080", endpoints[0].Addr)
	assert.Equal(t, "10.0.0.2:8081", endpoints[1].Addr)
	assert.Equal(t, uint16(4), endpoints[1].Weight)

	addr, err := d.ResolveService(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Contains(t, []string{"10.0.0.1:8080", "10.0.0.2:8081"}, addr)

	// 缓存期内不再查询
	reg.Deregister("pricing", "p1")
	endpoints, err = d.Lookup(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)

	d.Invalidate("pricing")
	endpoints, err = d.Lookup(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Len(t, endpoints, 1)
}

func TestDNSDiscovery_UnknownService(t *testing.T) {
	d := NewDNSDiscovery(startDNS(t, registry.New()), "service.local", 0)

	_, err := d.Lookup(context.Background(), "inventory")
	assert.Error(t, err)
}

func TestSelectByWeight(t *testing.T) {
	endpoints := []Endpoint{{Addr: "a", Weight: 1}, {Addr: "b", Weight: 3}}

	assert.Equal(t, "a", selectByWeight(endpoints, func(int) int { return 0 }).Addr)
	assert.Equal(t, "b", selectByWeight(endpoints, func(int) int { return 1 }).Addr)
	assert.Equal(t, "b", selectByWeight(endpoints, func(int) int { return 3 }).Addr)

	zero := []Endpoint{{Addr: "a"}, {Addr: "b"}}
	assert.Equal(t, "b", selectByWeight(zero, func(int) int { return 1 }).Addr)
}
