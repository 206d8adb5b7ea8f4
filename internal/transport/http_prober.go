package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPProber 通过HTTP GET探测实例健康，2xx和3xx视为健康
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber 创建HTTP探测器
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			// 不跟随重定向
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPProber{client: client}
}

// Probe 实现health.Prober接口，超时由ctx控制
func (p *HTTPProber) Probe(ctx context.Context, address, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+normalizePath(path), nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("健康检查返回状态码 %d", resp.StatusCode)
	}
	return nil
}
