package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
)

// DefaultMaxBodySize 读取下游响应体的上限
const DefaultMaxBodySize = 10 << 20

// hop-by-hop头不转发
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPCaller 通过HTTP调用下游实例
type HTTPCaller struct {
	client      *http.Client
	scheme      string
	maxBodySize int64
}

// NewHTTPCaller 创建HTTP调用器，client为nil时使用默认客户端
func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPCaller{
		client:      client,
		scheme:      "http",
		maxBodySize: DefaultMaxBodySize,
	}
}

// Call 调用address上的实例
// 连接失败、超时和5xx（501除外）返回TransientCallError，其余响应原样返回
func (c *HTTPCaller) Call(ctx context.Context, address string, req *model.ProxyRequest) (*model.ProxyResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := fmt.Sprintf("%s://%s%s", c.scheme, address, normalizePath(req.Path))
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errs.NewValidationError("构造下游请求失败: " + err.Error())
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errs.NewTransientCallError(address, err)
	}
	defer resp.Body.Close()

	// 多读一个字节用于判断是否超限
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, errs.NewTransientCallError(address, fmt.Errorf("读取响应失败: %w", err))
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, errs.NewBadResponseError(address, fmt.Errorf("响应体超过 %d 字节", c.maxBodySize))
	}

	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return nil, errs.NewTransientCallError(address, fmt.Errorf("下游返回状态码 %d", resp.StatusCode))
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	// 由转发方按实际响应体重新计算
	header.Del("Content-Length")
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func normalizePath(p string) string {
	if p == "" || p[0] != '/' {
		return "/" + p
	}
	return p
}
