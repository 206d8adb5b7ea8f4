package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config SDK客户端配置
type Config struct {
	// 服务注册API地址
	ServerAddr string `json:"server_addr"`
	// 代理入口地址，只调用其他服务时需要
	ProxyAddr string `json:"proxy_addr"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 实例ID，为空时由服务端生成
	InstanceID string `json:"instance_id"`
	// 服务IP地址
	ServiceIP string `json:"service_ip"`
	// 服务端口
	ServicePort int `json:"service_port"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 重试次数
	RetryCount int `json:"retry_count"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 调用方标识，代理入口按此限流
	ClientID string `json:"client_id"`
	// 日志，为空时不输出
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	instanceID   string
	isRegistered bool
	stopChan     chan struct{}
	stopped      chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 服务端返回的非200响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" && config.ProxyAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServerAddr != "" {
		if config.ServiceName == "" {
			return nil, fmt.Errorf("服务名称不能为空")
		}
		if config.ServiceIP == "" {
			return nil, fmt.Errorf("服务IP不能为空")
		}
		if config.ServicePort <= 0 || config.ServicePort > 65535 {
			return nil, fmt.Errorf("服务端口无效: %d", config.ServicePort)
		}
	}

	// 设置默认值
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:     logger,
		instanceID: config.InstanceID,
	}, nil
}

// 构建API地址
func (c *Client) buildURL(addr, path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, addr, path)
}

// address 返回实例地址
func (c *Client) address() string {
	return net.JoinHostPort(c.config.ServiceIP, strconv.Itoa(c.config.ServicePort))
}

// doRequest 发送API请求，网络错误时按RetryCount重试
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.RetryCount; attempt++ {
		resp, err := c.send(ctx, method, path, bodyBytes)
		if err == nil {
			return resp, nil
		}
		if _, ok := err.(*APIError); ok {
			return resp, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("请求失败，准备重试",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(c.config.ServerAddr, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return &apiResp, &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}

	return &apiResp, nil
}
