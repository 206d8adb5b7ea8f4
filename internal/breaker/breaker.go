package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/kong-proxy/internal/core/errs"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 快速失败
	StateOpen
	// StateHalfOpen 只允许一个试探请求
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	FailureThreshold int           // 连续失败多少次后打开
	OpenTimeout      time.Duration // 打开后多久允许试探
	// IsFailure 判断调用结果是否计为失败，默认参数类错误不计
	IsFailure func(error) bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// DefaultIsFailure 除参数无效外的所有错误都计为失败
func DefaultIsFailure(err error) bool {
	return err != nil && !errs.Is(err, errs.KindValidation)
}

// TransitionFunc 状态变化回调，在锁外调用
type TransitionFunc func(key string, from, to State)

// Snapshot 熔断器状态快照
type Snapshot struct {
	Key             string    `json:"key"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	TrialInFlight   bool      `json:"trial_in_flight"`
}

// Breaker 单个目标的熔断器
type Breaker struct {
	mu              sync.Mutex
	key             string
	cfg             Config
	now             func() time.Time
	onTransition    TransitionFunc
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	trialInFlight   bool
	// generation 每次状态变化递增，用于识别过期的试探结果
	generation uint64
}

// New 创建熔断器
func New(key string, cfg Config, now func() time.Time, onTransition TransitionFunc) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		key:          key,
		cfg:          cfg,
		now:          now,
		onTransition: onTransition,
	}
}

// Key 返回熔断目标
func (b *Breaker) Key() string {
	return b.key
}

// permit 一次放行凭证
type permit struct {
	trial      bool
	generation uint64
}

// Execute 在熔断保护下执行fn
// 打开状态直接返回CircuitOpenError，不调用fn；调用方ctx结束导致的失败不计入统计
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	p, err := b.acquire()
	if err != nil {
		return err
	}

	recorded := false
	defer func() {
		// 无论如何退出都要释放试探名额
		if p.trial && !recorded {
			b.release(p)
		}
	}()

	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	b.record(p, err)
	recorded = true
	return err
}

// acquire 检查是否放行，打开状态超时后惰性转为半开
func (b *Breaker) acquire() (permit, error) {
	b.mu.Lock()
	var from State
	changed := false

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return permit{}, errs.NewCircuitOpenError(b.key)
		}
		from, changed = b.setStateLocked(StateHalfOpen)
		b.trialInFlight = true
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return permit{}, errs.NewCircuitOpenError(b.key)
		}
		b.trialInFlight = true
	default:
		gen := b.generation
		b.mu.Unlock()
		return permit{generation: gen}, nil
	}

	p := permit{trial: true, generation: b.generation}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return p, nil
}

// record 记录调用结果
func (b *Breaker) record(p permit, err error) {
	failure := b.cfg.IsFailure(err)

	b.mu.Lock()
	now := b.now()
	from, to := b.state, b.state
	changed := false

	switch b.state {
	case StateClosed:
		if failure {
			b.failureCount++
			b.lastFailureTime = now
			if b.failureCount >= b.cfg.FailureThreshold {
				from, changed = b.setStateLocked(StateOpen)
				to = StateOpen
			}
		} else {
			// 连续失败计数
			b.failureCount = 0
			b.successCount++
		}
	case StateOpen:
		// 打开前发出的调用晚到的失败
		if failure {
			b.failureCount++
		}
	case StateHalfOpen:
		if !p.trial || p.generation != b.generation {
			break
		}
		b.trialInFlight = false
		if failure {
			b.failureCount++
			b.lastFailureTime = now
			from, changed = b.setStateLocked(StateOpen)
			to = StateOpen
		} else {
			from, changed = b.setStateLocked(StateClosed)
			to = StateClosed
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// release 放弃试探名额，不记录结果
func (b *Breaker) release(p permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.generation == p.generation {
		b.trialInFlight = false
	}
}

// setStateLocked 切换状态，调用方必须持有锁
func (b *Breaker) setStateLocked(to State) (State, bool) {
	from := b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.generation++
	b.successCount = 0
	b.trialInFlight = false
	if to == StateClosed {
		b.failureCount = 0
		b.lastFailureTime = time.Time{}
	}
	return from, true
}

func (b *Breaker) notify(from, to State) {
	if b.onTransition != nil {
		b.onTransition(b.key, from, to)
	}
}

// State 返回当前状态，不触发惰性转换
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount 返回当前失败计数
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset 强制恢复为关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, changed := b.setStateLocked(StateClosed)
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateClosed)
	}
}

// Snapshot 返回状态快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Key:             b.key,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		TrialInFlight:   b.trialInFlight,
	}
}
