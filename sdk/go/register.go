package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id,omitempty"`
	Address     string            `json:"address"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse 注册响应数据
type RegisterResponse struct {
	ServiceName  string    `json:"service_name"`
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register 注册服务，重复注册会刷新实例信息
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	instanceID := c.instanceID
	c.mu.Unlock()

	req := RegisterRequest{
		ServiceName: c.config.ServiceName,
		InstanceID:  instanceID,
		Address:     c.address(),
		Metadata:    c.config.Metadata,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return fmt.Errorf("服务注册失败: %w", err)
	}

	var registerResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	// 保存实例ID，重新注册时沿用
	c.mu.Lock()
	c.instanceID = registerResp.InstanceID
	c.isRegistered = true
	c.mu.Unlock()

	return nil
}

// Deregister 注销服务
func (c *Client) Deregister(ctx context.Context) error {
	path, err := c.instancePath()
	if err != nil {
		return err
	}

	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = false
	c.mu.Unlock()

	return nil
}

// GetInstanceID 获取实例ID
func (c *Client) GetInstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}

func (c *Client) instancePath() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRegistered {
		return "", fmt.Errorf("服务尚未注册")
	}
	return fmt.Sprintf("/api/v1/services/%s/instances/%s",
		url.PathEscape(c.config.ServiceName), url.PathEscape(c.instanceID)), nil
}
