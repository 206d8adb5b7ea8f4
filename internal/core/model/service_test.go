package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceInstanceClone(t *testing.T) {
	inst := &ServiceInstance{
		ServiceName: "pricing",
		InstanceID:  "p1",
		Metadata:    map[string]string{MetadataVersion: "1.0"},
	}

	c := inst.Clone()
	c.Metadata[MetadataVersion] = "2.0"

	// 修改副本不能影响原对象
	assert.Equal(t, "1.0", inst.Metadata[MetadataVersion])
	assert.Nil(t, (*ServiceInstance)(nil).Clone())
}

func TestServiceInstanceStatus(t *testing.T) {
	now := time.Now()
	inst := &ServiceInstance{Healthy: true, LastHeartbeat: now.Add(-10 * time.Second)}

	assert.Equal(t, HealthStatusHealthy, inst.Status(now, time.Minute))
	assert.True(t, inst.Eligible(now, time.Minute))

	// 超过过期窗口后即使Healthy为true也不可选
	assert.Equal(t, HealthStatusExpired, inst.Status(now, 5*time.Second))
	assert.False(t, inst.Eligible(now, 5*time.Second))

	inst.Healthy = false
	assert.Equal(t, HealthStatusUnhealthy, inst.Status(now, time.Minute))
}

func TestServiceInstanceMetadataHelpers(t *testing.T) {
	inst := &ServiceInstance{Metadata: map[string]string{
		MetadataHealthCheckPath: "/ready",
		MetadataWeight:          "5",
	}}
	assert.Equal(t, "/ready", inst.HealthCheckPath("/health"))
	assert.Equal(t, 5, inst.Weight())

	empty := &ServiceInstance{}
	assert.Equal(t, "/health", empty.HealthCheckPath("/health"))
	assert.Equal(t, 1, empty.Weight())
}

func TestServiceInstanceWeightIsCapped(t *testing.T) {
	cases := map[string]int{
		"65535":                 MaxWeight,
		"70000":                 MaxWeight,
		"9223372036854775807":   MaxWeight,
		"99999999999999999999":  MaxWeight,
		"-99999999999999999999": 1,
		"0":                     1,
		"abc":                   1,
	}
	for raw, want := range cases {
		inst := &ServiceInstance{Metadata: map[string]string{MetadataWeight: raw}}
		assert.Equal(t, want, inst.Weight(), raw)
	}
}
