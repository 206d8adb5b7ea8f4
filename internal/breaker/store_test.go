package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetKey(t *testing.T) {
	assert.Equal(t, "pricing/p1", TargetKey("pricing", "p1", GranularityInstance))
	assert.Equal(t, "pricing", TargetKey("pricing", "p1", GranularityService))
	assert.Equal(t, "pricing", TargetKey("pricing", "", GranularityInstance))
}

func TestStore_LazyCreation(t *testing.T) {
	s := NewStore(Config{FailureThreshold: 2, OpenTimeout: time.Second})

	_, ok := s.Lookup("pricing/p1")
	assert.False(t, ok)
	assert.Equal(t, StateClosed, s.State("pricing/p1"))
	assert.Equal(t, 0, s.FailureCount("pricing/p1"))

	var wg sync.WaitGroup
	got := make([]*Breaker, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = s.Get("pricing/p1")
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		assert.Same(t, got[0], b, "并发获取必须返回同一个熔断器")
	}
}

func TestStore_IndependentTargets(t *testing.T) {
	var transitions atomic.Int32
	s := NewStore(Config{FailureThreshold: 1, OpenTimeout: time.Hour},
		WithTransitionHook(func(string, State, State) { transitions.Add(1) }))
	var calls atomic.Int32

	s.Execute(context.Background(), "pricing/p1", failing(&calls))
	assert.Equal(t, StateOpen, s.State("pricing/p1"))
	assert.NoError(t, s.Execute(context.Background(), "pricing/p2", succeeding(&calls)))
	assert.Equal(t, StateClosed, s.State("pricing/p2"))
	assert.Equal(t, int32(1), transitions.Load())

	snaps := s.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "pricing/p1", snaps[0].Key)
	assert.Equal(t, "open", snaps[0].State)
	assert.Equal(t, "closed", snaps[1].State)
}

func TestStore_ResetAndRemove(t *testing.T) {
	s := NewStore(Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	var calls atomic.Int32

	assert.False(t, s.Reset("pricing/p1"))
	s.Execute(context.Background(), "pricing/p1", failing(&calls))
	require.Equal(t, StateOpen, s.State("pricing/p1"))

	assert.True(t, s.Reset("pricing/p1"))
	assert.Equal(t, StateClosed, s.State("pricing/p1"))

	assert.True(t, s.Remove("pricing/p1"))
	assert.False(t, s.Remove("pricing/p1"))
	assert.Empty(t, s.Snapshot())
}
