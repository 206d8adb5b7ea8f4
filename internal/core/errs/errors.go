package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind 表示代理核心对外暴露的错误类别
type Kind int

const (
	// KindInternal 内部错误，不应出现
	KindInternal Kind = iota
	// KindValidation 注册或请求参数无效
	KindValidation
	// KindNoHealthyInstance 没有可用的健康实例
	KindNoHealthyInstance
	// KindCircuitOpen 熔断器打开，快速失败
	KindCircuitOpen
	// KindTransientCall 超时、连接被拒绝等瞬时错误，唯一可重试的类别
	KindTransientCall
	// KindRetryExhausted 重试次数耗尽
	KindRetryExhausted
	// KindDeadlineExceeded 请求整体超时
	KindDeadlineExceeded
	// KindRateLimited 调用方被限流
	KindRateLimited
	// KindBadResponse 下游响应无法完整转发，不重试
	KindBadResponse
)

// String 返回错误类别名称
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNoHealthyInstance:
		return "no_healthy_instance"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTransientCall:
		return "transient_call"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindBadResponse:
		return "bad_response"
	default:
		return "internal"
	}
}

// Error 代理核心统一错误类型
type Error struct {
	Kind       Kind
	Message    string
	Target     string        // 调用目标（服务或服务/实例）
	Attempts   int           // 已执行的下游调用次数
	RetryAfter time.Duration // 仅用于限流错误
	Cause      error
}

// Error 实现error接口
func (e *Error) Error() string {
	msg := e.Message
	if e.Target != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Target)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (尝试次数: %d)", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewValidationError 创建参数无效错误
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewNoHealthyInstanceError 创建无健康实例错误
func NewNoHealthyInstanceError(serviceName string) *Error {
	return &Error{Kind: KindNoHealthyInstance, Message: "没有可用的健康实例", Target: serviceName}
}

// NewCircuitOpenError 创建熔断器打开错误
func NewCircuitOpenError(target string) *Error {
	return &Error{Kind: KindCircuitOpen, Message: "熔断器已打开", Target: target}
}

// NewTransientCallError 创建瞬时调用错误
func NewTransientCallError(target string, cause error) *Error {
	return &Error{Kind: KindTransientCall, Message: "下游调用失败", Target: target, Cause: cause}
}

// NewRetryExhaustedError 创建重试耗尽错误，cause为最后一次失败
func NewRetryExhaustedError(target string, attempts int, cause error) *Error {
	return &Error{Kind: KindRetryExhausted, Message: "重试次数已耗尽", Target: target, Attempts: attempts, Cause: cause}
}

// NewDeadlineExceededError 创建请求超时错误
func NewDeadlineExceededError(target string, attempts int, cause error) *Error {
	return &Error{Kind: KindDeadlineExceeded, Message: "请求超时", Target: target, Attempts: attempts, Cause: cause}
}

// NewRateLimitedError 创建限流错误
func NewRateLimitedError(key string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "请求过于频繁", Target: key, RetryAfter: retryAfter}
}

// NewBadResponseError 创建下游响应无效错误
func NewBadResponseError(target string, cause error) *Error {
	return &Error{Kind: KindBadResponse, Message: "下游响应无效", Target: target, Cause: cause}
}

// NewInternalError 创建内部错误
func NewInternalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// As 从错误链中提取*Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回错误链中最外层*Error的类别，非*Error返回KindInternal
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is 判断错误是否属于指定类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable 只有瞬时调用错误可以重试
func IsRetryable(err error) bool {
	return Is(err, KindTransientCall)
}

// HTTPStatus 将错误类别映射为HTTP状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNoHealthyInstance, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransientCall, KindRetryExhausted, KindBadResponse:
		return http.StatusBadGateway
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
