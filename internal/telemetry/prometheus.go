package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink 把事件和熔断状态导出为Prometheus指标
type PrometheusSink struct {
	attempts           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

// NewPrometheusSink 创建指标并注册到reg
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_attempts_total",
				Help: "Count of proxied call attempts by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_attempt_duration_seconds",
				Help:    "Latency of proxied call attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breaker_state",
				Help: "Current breaker state: 0=closed,1=open,2=half-open",
			},
			[]string{"target"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_transition_total",
				Help: "Count of breaker state transitions",
			},
			[]string{"target", "from", "to"},
		),
	}

	for _, c := range []prometheus.Collector{s.attempts, s.latency, s.breakerState, s.breakerTransitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Emit 记录一次尝试
func (s *PrometheusSink) Emit(e Event) {
	s.attempts.WithLabelValues(e.Service, string(e.Outcome)).Inc()
	if e.Attempt > 0 {
		s.latency.WithLabelValues(e.Service).Observe(e.LatencyMs / 1000)
	}
}

// ObserveBreakerTransition 记录熔断器状态变化
func (s *PrometheusSink) ObserveBreakerTransition(target, from, to string) {
	s.breakerTransitions.WithLabelValues(target, from, to).Inc()
	s.breakerState.WithLabelValues(target).Set(stateValue(to))
}

// ForgetTarget 删除已移除目标的状态指标
func (s *PrometheusSink) ForgetTarget(target string) {
	s.breakerState.DeleteLabelValues(target)
}

func stateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
