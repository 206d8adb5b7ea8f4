package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector 线程安全地收集事件
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestAsyncEmitter_DeliversAndCloses(t *testing.T) {
	sink := &collector{}
	a := NewAsyncEmitter(sink, 16, config.NewNopLogger())

	for i := 0; i < 10; i++ {
		a.Emit(Event{Target: "pricing/p1", Attempt: i + 1, Outcome: OutcomeSuccess})
	}
	a.Close()

	assert.Equal(t, 10, sink.Len(), "关闭前队列中的事件全部投递")
	assert.Equal(t, uint64(0), a.Dropped())

	// 关闭后的事件被丢弃，不panic
	a.Emit(Event{Target: "pricing/p1"})
	assert.Equal(t, uint64(1), a.Dropped())
	a.Close()
}

func TestAsyncEmitter_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := EmitterFunc(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})
	a := NewAsyncEmitter(slow, 1, nil)

	a.Emit(Event{})
	<-started
	// 投递协程被阻塞，队列容量1
	a.Emit(Event{})
	done := make(chan struct{})
	go func() {
		a.Emit(Event{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit不应阻塞")
	}
	assert.Equal(t, uint64(1), a.Dropped())

	close(block)
	a.Close()
}

func TestAsyncEmitter_SinkPanicIsRecovered(t *testing.T) {
	sink := &collector{}
	first := true
	a := NewAsyncEmitter(EmitterFunc(func(e Event) {
		if first {
			first = false
			panic("sink crashed")
		}
		sink.Emit(e)
	}), 4, nil)

	a.Emit(Event{Attempt: 1})
	a.Emit(Event{Attempt: 2})
	a.Close()

	require.Equal(t, 1, sink.Len())
	assert.Equal(t, 2, sink.events[0].Attempt)
}

func TestMulti(t *testing.T) {
	a, b := &collector{}, &collector{}
	m := Multi(a, nil, b)
	m.Emit(Event{Target: "x"})
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(config.NewNopLogger())
	assert.NotPanics(t, func() {
		s.Emit(Event{Outcome: OutcomeSuccess})
		s.Emit(Event{Outcome: OutcomeFailure, Error: "connection refused"})
	})
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	s.Emit(Event{Service: "pricing", Attempt: 1, Outcome: OutcomeSuccess, LatencyMs: 12})
	s.Emit(Event{Service: "pricing", Attempt: 1, Outcome: OutcomeFailure, LatencyMs: 30})
	s.Emit(Event{Service: "pricing", Attempt: 0, Outcome: OutcomeRateLimited})

	assert.Equal(t, 1.0, testutil.ToFloat64(s.attempts.WithLabelValues("pricing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.attempts.WithLabelValues("pricing", "rate_limited")))
	assert.Equal(t, 1, testutil.CollectAndCount(s.latency))

	s.ObserveBreakerTransition("pricing/p1", "closed", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.breakerState.WithLabelValues("pricing/p1")))
	s.ObserveBreakerTransition("pricing/p1", "open", "half_open")
	assert.Equal(t, 2.0, testutil.ToFloat64(s.breakerState.WithLabelValues("pricing/p1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.breakerTransitions.WithLabelValues("pricing/p1", "closed", "open")))

	// 重复注册失败
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}
