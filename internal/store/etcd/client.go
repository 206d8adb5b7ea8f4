package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ClientConfig etcd连接配置
type ClientConfig struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client 封装了etcd客户端
type Client struct {
	client *clientv3.Client
	cfg    ClientConfig
}

// NewClient 创建一个新的etcd客户端
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// GetWithPrefix 获取指定前缀的所有键值
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd获取前缀键值失败 [%s]: %w", prefix, err)
	}

	result := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = kv.Value
	}

	return result, nil
}

// PutWithLease 设置带租约的键值，租约到期后键自动删除
func (c *Client) PutWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	// etcd租约最小粒度为秒
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	lease, err := c.client.Grant(ctx, secs)
	if err != nil {
		return fmt.Errorf("etcd创建租约失败: %w", err)
	}

	_, err = c.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("etcd设置带租约的键值失败 [%s]: %w", key, err)
	}

	return nil
}

// Delete 删除键值
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("etcd删除键值失败 [%s]: %w", key, err)
	}

	return nil
}

// DeleteWithPrefix 删除指定前缀的所有键值
func (c *Client) DeleteWithPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := c.client.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd删除前缀键值失败 [%s]: %w", prefix, err)
	}

	return nil
}
