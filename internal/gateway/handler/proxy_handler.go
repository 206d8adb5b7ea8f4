package handler

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-proxy/internal/balancer"
	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/dispatcher"
)

// 代理入口使用的请求头
const (
	HeaderClientID = "X-Client-ID"
	HeaderTraceID  = "X-Trace-ID"
	HeaderTimeout  = "X-Timeout-Ms"
	HeaderStrategy = "X-Balance-Strategy"
	HeaderInstance = "X-Upstream-Instance"
	HeaderAttempts = "X-Upstream-Attempts"
)

// Dispatcher 代理入口依赖的分发能力
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatcher.Request) (*dispatcher.Response, error)
}

// ProxyHandler 把入站HTTP请求转换为分发请求
type ProxyHandler struct {
	dispatcher Dispatcher
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(d Dispatcher) *ProxyHandler {
	return &ProxyHandler{
		dispatcher: d,
	}
}

// RegisterRoutes 注册代理路由
func (h *ProxyHandler) RegisterRoutes(e *echo.Echo) {
	e.Any("/proxy/:service", h.proxy)
	e.Any("/proxy/:service/*", h.proxy)
}

// proxy 处理代理请求
func (h *ProxyHandler) proxy(c echo.Context) error {
	r := c.Request()

	req, err := buildRequest(c)
	if err != nil {
		return failure(c, err)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return failure(c, errs.NewValidationError("读取请求体失败: "+err.Error()))
	}
	req.Payload = &model.ProxyRequest{
		Method:   r.Method,
		Path:     "/" + c.Param("*"),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		return failure(c, err)
	}

	header := c.Response().Header()
	if resp.Payload != nil {
		for k, vs := range resp.Payload.Header {
			for _, v := range vs {
				header.Add(k, v)
			}
		}
	}
	header.Set(HeaderTraceID, resp.TraceID)
	header.Set(HeaderInstance, resp.InstanceID)
	header.Set(HeaderAttempts, strconv.Itoa(resp.Attempts))

	status := http.StatusOK
	var payload []byte
	if resp.Payload != nil {
		if resp.Payload.StatusCode != 0 {
			status = resp.Payload.StatusCode
		}
		payload = resp.Payload.Body
	}
	c.Response().WriteHeader(status)
	_, err = c.Response().Write(payload)
	return err
}

// buildRequest 从请求头解析分发参数
func buildRequest(c echo.Context) (*dispatcher.Request, error) {
	r := c.Request()
	req := &dispatcher.Request{
		Service:  c.Param("service"),
		ClientID: r.Header.Get(HeaderClientID),
		TraceID:  r.Header.Get(HeaderTraceID),
	}
	if req.ClientID == "" {
		req.ClientID = c.RealIP()
	}

	if v := r.Header.Get(HeaderTimeout); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, errs.NewValidationError("超时参数无效: " + v)
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	if v := r.Header.Get(HeaderStrategy); v != "" {
		s, err := balancer.ParseStrategy(v)
		if err != nil {
			return nil, err
		}
		req.Strategy = s
	}
	return req, nil
}

// failure 把分类错误映射为HTTP响应
func failure(c echo.Context, err error) error {
	status := errs.HTTPStatus(err)
	if e, ok := errs.As(err); ok && e.Kind == errs.KindRateLimited && e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}
	return c.JSON(status, &model.ApiResponse{
		Code:    status,
		Message: err.Error(),
		Data: map[string]interface{}{
			"kind": errs.KindOf(err).String(),
		},
	})
}
