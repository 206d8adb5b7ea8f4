package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-proxy/internal/registry"
)

// memKV 内存实现的KV
type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failOn  string
	listErr error
	deletes int
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) GetWithPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	result := map[string][]byte{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			result[k] = v
		}
	}
	return result, nil
}

func (m *memKV) PutWithLease(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == m.failOn {
		return errors.New("etcd不可用")
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) DeleteWithPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memKV) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memKV) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func newTestRegistry() *registry.Registry {
	return registry.New(registry.WithExpiryWindow(30 * time.Second))
}

func TestAnnouncer_StartClearsStaleAndPublishesExisting(t *testing.T) {
	kv := newMemKV()
	kv.data["/kong-proxy/instances/old/o1"] = []byte("{}")

	reg := newTestRegistry()
	_, err := reg.Register("pricing", "p1", "10.0.0.1:80", map[string]string{"version": "1.0"})
	require.NoError(t, err)

	a := NewAnnouncer(kv, reg, AnnouncerConfig{}, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	_, ok := kv.get("/kong-proxy/instances/old/o1")
	assert.False(t, ok)
	assert.Equal(t, 1, kv.deletes)

	v, ok := kv.get("/kong-proxy/instances/pricing/p1")
	require.True(t, ok)
	var rec record
	require.NoError(t, json.Unmarshal(v, &rec))
	assert.Equal(t, "10.0.0.1:80", rec.Address)
	assert.Equal(t, "1.0", rec.Metadata["version"])
	assert.True(t, rec.Healthy)

	// 租约默认为过期窗口
	kv.mu.Lock()
	assert.Equal(t, 30*time.Second, kv.ttls["/kong-proxy/instances/pricing/p1"])
	kv.mu.Unlock()
}

func TestAnnouncer_FollowsRegistryEvents(t *testing.T) {
	kv := newMemKV()
	reg := newTestRegistry()
	a := NewAnnouncer(kv, reg, AnnouncerConfig{Prefix: "/svc/"}, nil)
	reg.AddListener(a.Listen)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	_, err := reg.Register("pricing", "p1", "10.0.0.1:80", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := kv.get("/svc/pricing/p1")
		return ok
	}, time.Second, 5*time.Millisecond)

	reg.RecordProbe("pricing", "p1", false, time.Now())
	assert.Eventually(t, func() bool {
		v, _ := kv.get("/svc/pricing/p1")
		var rec record
		return json.Unmarshal(v, &rec) == nil && !rec.Healthy
	}, time.Second, 5*time.Millisecond)

	reg.Deregister("pricing", "p1")
	assert.Eventually(t, func() bool { return kv.len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAnnouncer_StartWithEmptyPrefixSkipsDelete(t *testing.T) {
	kv := newMemKV()
	kv.data["/other/x"] = []byte("{}")

	a := NewAnnouncer(kv, newTestRegistry(), AnnouncerConfig{}, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.Equal(t, 0, kv.deletes)
	_, ok := kv.get("/other/x")
	assert.True(t, ok)
}

func TestAnnouncer_StartFailsWhenListFails(t *testing.T) {
	kv := newMemKV()
	kv.listErr = errors.New("etcd不可用")

	a := NewAnnouncer(kv, newTestRegistry(), AnnouncerConfig{}, nil)
	assert.Error(t, a.Start(context.Background()))
	a.Stop()
}

func TestAnnouncer_LateRemovalKeepsReregisteredInstance(t *testing.T) {
	kv := newMemKV()
	reg := newTestRegistry()
	a := NewAnnouncer(kv, reg, AnnouncerConfig{Prefix: "/svc"}, nil)
	reg.AddListener(a.Listen)

	inst, err := reg.Register("pricing", "p1", "10.0.0.1:80", nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	// 过期通知晚于重新注册到达
	a.Listen(registry.Event{Type: registry.EventExpired, Instance: inst})
	_, err = reg.Register("pricing", "p2", "10.0.0.2:80", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := kv.get("/svc/pricing/p2")
		return ok
	}, time.Second, 5*time.Millisecond)
	_, ok := kv.get("/svc/pricing/p1")
	assert.True(t, ok)
}

func TestAnnouncer_PutFailureIsLogged(t *testing.T) {
	kv := newMemKV()
	kv.failOn = "/kong-proxy/instances/pricing/p1"
	reg := newTestRegistry()
	_, err := reg.Register("pricing", "p1", "10.0.0.1:80", nil)
	require.NoError(t, err)
	_, err = reg.Register("pricing", "p2", "10.0.0.2:80", nil)
	require.NoError(t, err)

	a := NewAnnouncer(kv, reg, AnnouncerConfig{}, nil)
	assert.Equal(t, 1, a.Refresh(context.Background()))
}

func TestAnnouncer_DropsWhenQueueFull(t *testing.T) {
	reg := newTestRegistry()
	a := NewAnnouncer(newMemKV(), reg, AnnouncerConfig{QueueSize: 1}, nil)

	inst, err := reg.Register("pricing", "p1", "10.0.0.1:80", nil)
	require.NoError(t, err)

	// 未启动时没有消费者
	a.Listen(registry.Event{Type: registry.EventRegistered, Instance: inst})
	a.Listen(registry.Event{Type: registry.EventRegistered, Instance: inst})
	assert.Equal(t, int64(1), a.Dropped())
}
