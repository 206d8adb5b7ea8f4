package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-proxy/internal/balancer"
	"github.com/hewenyu/kong-proxy/internal/breaker"
	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/ratelimit"
	"github.com/hewenyu/kong-proxy/internal/registry"
	"github.com/hewenyu/kong-proxy/internal/retry"
	"github.com/hewenyu/kong-proxy/internal/telemetry"
	"go.uber.org/zap"
)

// AnonymousClient 未携带调用方标识时使用的限流键
const AnonymousClient = "anonymous"

// Caller 下游调用接口
type Caller interface {
	Call(ctx context.Context, address string, req *model.ProxyRequest) (*model.ProxyResponse, error)
}

// CallerFunc 函数形式的Caller
type CallerFunc func(ctx context.Context, address string, req *model.ProxyRequest) (*model.ProxyResponse, error)

// Call 实现Caller接口
func (f CallerFunc) Call(ctx context.Context, address string, req *model.ProxyRequest) (*model.ProxyResponse, error) {
	return f(ctx, address, req)
}

// Config 分发器配置
type Config struct {
	Strategy       balancer.Strategy
	Granularity    breaker.Granularity
	DefaultTimeout time.Duration // 请求未指定超时时使用，0表示不限制
	CallTimeout    time.Duration // 单次下游调用超时，0表示不限制
}

// Deps 分发器依赖，Limiter和Emitter可以为空
type Deps struct {
	Registry *registry.Registry
	Selector *balancer.Selector
	Breakers *breaker.Store
	Retrier  *retry.Executor
	Caller   Caller
	Limiter  ratelimit.Limiter
	Emitter  telemetry.Emitter
	Logger   config.Logger
	Clock    func() time.Time
}

// Request 一次入站代理请求
type Request struct {
	Service  string
	ClientID string
	TraceID  string
	// Timeout 整体超时，包含所有重试
	Timeout  time.Duration
	Strategy balancer.Strategy
	Payload  *model.ProxyRequest
}

// Response 代理成功的结果
type Response struct {
	TraceID    string
	InstanceID string
	Attempts   int
	Payload    *model.ProxyResponse
}

// RequestContext 单次请求的处理状态
type RequestContext struct {
	TraceID       string
	TargetService string
	Target        string
	Attempts      int
	Deadline      time.Time // 零值表示没有整体超时
}

// Dispatcher 组合注册表、选择器、熔断和重试完成一次代理调用
type Dispatcher struct {
	registry *registry.Registry
	selector *balancer.Selector
	breakers *breaker.Store
	retrier  *retry.Executor
	caller   Caller
	limiter  ratelimit.Limiter
	emitter  telemetry.Emitter
	logger   config.Logger
	now      func() time.Time
	cfg      Config
}

// New 创建分发器
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Registry == nil || deps.Selector == nil || deps.Breakers == nil || deps.Retrier == nil || deps.Caller == nil {
		return nil, errors.New("分发器缺少必要依赖")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = balancer.RoundRobin
	}
	if cfg.Granularity == "" {
		cfg.Granularity = breaker.GranularityInstance
	}
	if deps.Emitter == nil {
		deps.Emitter = telemetry.Nop
	}
	if deps.Logger == nil {
		deps.Logger = config.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Dispatcher{
		registry: deps.Registry,
		selector: deps.Selector,
		breakers: deps.Breakers,
		retrier:  deps.Retrier,
		caller:   deps.Caller,
		limiter:  deps.Limiter,
		emitter:  deps.Emitter,
		logger:   deps.Logger,
		now:      deps.Clock,
		cfg:      cfg,
	}, nil
}

// Dispatch 选择实例并在重试和熔断保护下调用
// 返回成功结果或errs包中定义的错误之一
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Service == "" {
		return nil, errs.NewValidationError("服务名称不能为空")
	}
	if req.Timeout < 0 {
		return nil, errs.NewValidationError("超时时间不能为负数")
	}

	rc := &RequestContext{
		TraceID:       req.TraceID,
		TargetService: req.Service,
		Target:        req.Service,
	}
	if rc.TraceID == "" {
		rc.TraceID = uuid.NewString()
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		rc.Deadline = deadline
	}

	if d.limiter != nil {
		key := req.ClientID
		if key == "" {
			key = AnonymousClient
		}
		if decision := d.limiter.Allow(key); !decision.Allowed {
			err := errs.NewRateLimitedError(key, decision.RetryAfter)
			d.emitRejection(rc, telemetry.OutcomeRateLimited, err)
			return nil, err
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = d.cfg.Strategy
	}
	inst, err := d.selector.Select(req.Service, strategy)
	if err != nil {
		outcome := telemetry.OutcomeNoInstance
		if errs.Is(err, errs.KindValidation) {
			outcome = telemetry.OutcomeRejected
		}
		d.emitRejection(rc, outcome, err)
		return nil, err
	}

	rc.Target = breaker.TargetKey(req.Service, inst.InstanceID, d.cfg.Granularity)
	b := d.breakers.Get(rc.Target)
	payload := req.Payload
	if payload == nil {
		payload = &model.ProxyRequest{}
	}

	var resp *model.ProxyResponse
	attempts, err := d.retrier.Do(ctx, rc.Target, func(ctx context.Context, attempt int) error {
		start := d.now()
		callErr := b.Execute(ctx, func(ctx context.Context) error {
			r, err := d.call(ctx, inst.Address, payload)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		d.emitAttempt(ctx, rc, inst, b, attempt, start, callErr)
		return callErr
	})
	rc.Attempts = attempts

	if err != nil {
		d.logger.Warn("代理请求失败",
			zap.String("traceId", rc.TraceID),
			zap.String("target", rc.Target),
			zap.Int("attempts", rc.Attempts),
			zap.String("kind", errs.KindOf(err).String()),
			zap.Error(err))
		if _, ok := errs.As(err); !ok {
			err = errs.NewInternalError("代理请求失败", err)
		}
		return nil, err
	}

	return &Response{
		TraceID:    rc.TraceID,
		InstanceID: inst.InstanceID,
		Attempts:   rc.Attempts,
		Payload:    resp,
	}, nil
}

// call 执行单次下游调用，非分类错误视为瞬时错误
func (d *Dispatcher) call(ctx context.Context, address string, payload *model.ProxyRequest) (*model.ProxyResponse, error) {
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	resp, err := d.caller.Call(ctx, address, payload)
	if err != nil {
		if _, ok := errs.As(err); !ok {
			err = errs.NewTransientCallError(address, err)
		}
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) emitAttempt(ctx context.Context, rc *RequestContext, inst *model.ServiceInstance, b *breaker.Breaker, attempt int, start time.Time, err error) {
	now := d.now()
	e := telemetry.Event{
		TraceID:      rc.TraceID,
		Target:       rc.Target,
		Service:      rc.TargetService,
		InstanceID:   inst.InstanceID,
		Attempt:      attempt,
		Outcome:      outcomeOf(ctx, err),
		LatencyMs:    float64(now.Sub(start).Microseconds()) / 1000,
		BreakerState: b.State().String(),
		Timestamp:    now,
	}
	if err != nil {
		e.Error = err.Error()
	}
	d.emitter.Emit(e)
}

func (d *Dispatcher) emitRejection(rc *RequestContext, outcome telemetry.Outcome, err error) {
	d.emitter.Emit(telemetry.Event{
		TraceID:   rc.TraceID,
		Target:    rc.Target,
		Service:   rc.TargetService,
		Outcome:   outcome,
		Error:     err.Error(),
		Timestamp: d.now(),
	})
}

func outcomeOf(ctx context.Context, err error) telemetry.Outcome {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errs.Is(err, errs.KindCircuitOpen):
		return telemetry.OutcomeCircuitOpen
	case ctx.Err() != nil:
		return telemetry.OutcomeDeadlineExceeded
	case errs.Is(err, errs.KindValidation):
		return telemetry.OutcomeRejected
	default:
		return telemetry.OutcomeFailure
	}
}
