package telemetry

import (
	"time"
)

// Outcome 单次尝试的结果
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailure          Outcome = "failure"
	OutcomeCircuitOpen      Outcome = "circuit_open"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeNoInstance       Outcome = "no_instance"
	OutcomeDeadlineExceeded Outcome = "deadline_exceeded"
	OutcomeRejected         Outcome = "rejected"
)

// Event 每次下游调用尝试产生一个事件
// 在选择实例之前被拒绝的请求Attempt为0
type Event struct {
	TraceID      string    `json:"trace_id"`
	Target       string    `json:"target"`
	Service      string    `json:"service"`
	InstanceID   string    `json:"instance_id,omitempty"`
	Attempt      int       `json:"attempt"`
	Outcome      Outcome   `json:"outcome"`
	LatencyMs    float64   `json:"latency_ms"`
	BreakerState string    `json:"breaker_state,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Emitter 事件接收方，实现不得阻塞调用方
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc 函数形式的Emitter
type EmitterFunc func(e Event)

// Emit 实现Emitter接口
func (f EmitterFunc) Emit(e Event) {
	f(e)
}

// Nop 丢弃所有事件
var Nop Emitter = EmitterFunc(func(Event) {})

type multi []Emitter

func (m multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Multi 把事件依次发送给多个Emitter，忽略nil
func Multi(emitters ...Emitter) Emitter {
	var m multi
	for _, e := range emitters {
		if e != nil {
			m = append(m, e)
		}
	}
	return m
}
