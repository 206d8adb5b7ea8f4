package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyResult 通过代理入口调用的结果
type ProxyResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	TraceID    string
	InstanceID string
}

// CallOptions 单次调用选项
type CallOptions struct {
	Header  http.Header
	Query   url.Values
	Timeout time.Duration // 整体超时，包含代理端的重试
	TraceID string
}

// Call 通过代理入口调用service，代理端负责选择实例、重试和熔断
// 代理返回的错误（限流、熔断、无可用实例等）以*APIError返回
func (c *Client) Call(ctx context.Context, service, method, path string, body []byte, opts *CallOptions) (*ProxyResult, error) {
	if c.config.ProxyAddr == "" {
		return nil, fmt.Errorf("代理入口地址未配置")
	}
	if service == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if opts == nil {
		opts = &CallOptions{}
	}

	target := c.buildURL(c.config.ProxyAddr, "/proxy/"+url.PathEscape(service)+"/"+strings.TrimPrefix(path, "/"))
	if len(opts.Query) > 0 {
		target += "?" + opts.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.config.ClientID != "" {
		req.Header.Set("X-Client-ID", c.config.ClientID)
	}
	if opts.TraceID != "" {
		req.Header.Set("X-Trace-ID", opts.TraceID)
	}
	if opts.Timeout > 0 {
		req.Header.Set("X-Timeout-Ms", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	// 代理自身的错误不带实例头
	instanceID := resp.Header.Get("X-Upstream-Instance")
	if instanceID == "" && resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var apiResp Response
		if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Message != "" {
			apiErr.Message = apiResp.Message
		}
		return nil, apiErr
	}

	return &ProxyResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		TraceID:    resp.Header.Get("X-Trace-ID"),
		InstanceID: instanceID,
	}, nil
}
