package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳
func (c *Client) SendHeartbeat(ctx context.Context) error {
	path, err := c.instancePath()
	if err != nil {
		return err
	}

	if _, err := c.doRequest(ctx, http.MethodPut, path+"/heartbeat", nil); err != nil {
		return fmt.Errorf("发送心跳失败: %w", err)
	}

	return nil
}

// StartHeartbeat 开始心跳任务
// 实例因过期被清理后，心跳返回404时自动重新注册
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	c.mu.Lock()
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.stopChan = stop
	c.stopped = stopped
	c.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.beat()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Client) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	err := c.SendHeartbeat(ctx)
	if err == nil {
		return
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		c.logger.Warn("实例已被清理，重新注册", zap.String("instanceId", c.GetInstanceID()))
		if err := c.Register(ctx); err != nil {
			c.logger.Warn("重新注册失败", zap.Error(err))
		}
		return
	}
	c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
}

// StopHeartbeat 停止心跳任务并等待退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, stopped := c.stopChan, c.stopped
	c.stopChan, c.stopped = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-stopped
	}
}

// Close 停止心跳并注销服务
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}

	return nil
}
