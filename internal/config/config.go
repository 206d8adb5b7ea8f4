package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ListenConfig 监听地址配置
type ListenConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// Address 返回监听地址
func (l ListenConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.ListenAddress, l.Port)
}

// Config 应用程序配置结构
type Config struct {
	// 注册中心配置
	Registry struct {
		ExpiryWindow    time.Duration `mapstructure:"expiry_window"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"registry"`

	// 健康检查配置
	Health struct {
		Interval       time.Duration `mapstructure:"interval"`
		Timeout        time.Duration `mapstructure:"timeout"`
		DefaultPath    string        `mapstructure:"default_path"`
		MaxConcurrency int           `mapstructure:"max_concurrency"`
	} `mapstructure:"health"`

	// 熔断器配置
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		OpenTimeout      time.Duration `mapstructure:"open_timeout"`
		Granularity      string        `mapstructure:"granularity"` // "instance" 或 "service"
	} `mapstructure:"breaker"`

	// 重试配置
	Retry struct {
		MaxRetries int           `mapstructure:"max_retries"` // 总尝试次数
		BaseDelay  time.Duration `mapstructure:"base_delay"`
		MaxDelay   time.Duration `mapstructure:"max_delay"`
		Jitter     bool          `mapstructure:"jitter"`
	} `mapstructure:"retry"`

	// 负载均衡配置
	Balancer struct {
		Strategy string `mapstructure:"strategy"`
	} `mapstructure:"balancer"`

	// 限流配置
	RateLimit struct {
		Enabled   bool          `mapstructure:"enabled"`
		Algorithm string        `mapstructure:"algorithm"` // "sliding-window" 或 "token-bucket"
		Limit     int           `mapstructure:"limit"`
		Window    time.Duration `mapstructure:"window"`
		Burst     int           `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	// 请求分发配置
	Dispatcher struct {
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		CallTimeout    time.Duration `mapstructure:"call_timeout"`
		EventBuffer    int           `mapstructure:"event_buffer"`
	} `mapstructure:"dispatcher"`

	// API服务配置
	API struct {
		Registration ListenConfig `mapstructure:"registration"`
		Management   ListenConfig `mapstructure:"management"`
		Proxy        ListenConfig `mapstructure:"proxy"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Domain        string `mapstructure:"domain"`
		TTL           uint32 `mapstructure:"ttl"`
	} `mapstructure:"dns"`

	// etcd配置，仅用于对外发布实例信息
	Etcd struct {
		Enabled        bool          `mapstructure:"enabled"`
		Endpoints      []string      `mapstructure:"endpoints"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		Prefix         string        `mapstructure:"prefix"`
	} `mapstructure:"etcd"`

	// 指标配置
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-proxy")
		v.AddConfigPath("/etc/kong-proxy")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到默认配置文件时使用默认值；显式指定的文件必须存在
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("KONG_PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.expiry_window", 90*time.Second)
	v.SetDefault("registry.cleanup_interval", 30*time.Second)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.default_path", "/health")
	v.SetDefault("health.max_concurrency", 32)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.granularity", "instance")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("balancer.strategy", "round-robin")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.algorithm", "sliding-window")
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", time.Second)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("dispatcher.default_timeout", 30*time.Second)
	v.SetDefault("dispatcher.call_timeout", 5*time.Second)
	v.SetDefault("dispatcher.event_buffer", 1024)

	v.SetDefault("api.registration.listen_address", "0.0.0.0")
	v.SetDefault("api.registration.port", 8081)
	v.SetDefault("api.management.listen_address", "0.0.0.0")
	v.SetDefault("api.management.port", 8080)
	v.SetDefault("api.proxy.listen_address", "0.0.0.0")
	v.SetDefault("api.proxy.port", 8000)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.domain", "service.local")
	v.SetDefault("dns.ttl", 10)

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("etcd.prefix", "/kong-proxy/instances")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "KONG_PROXY_ETCD_ENDPOINTS")
	v.BindEnv("api.proxy.port", "KONG_PROXY_PROXY_PORT")
	v.BindEnv("api.management.port", "KONG_PROXY_MANAGEMENT_API_PORT")
	v.BindEnv("api.registration.port", "KONG_PROXY_REGISTRATION_API_PORT")
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if c.Registry.ExpiryWindow <= 0 {
		return fmt.Errorf("实例过期窗口必须大于0")
	}
	if c.Registry.CleanupInterval <= 0 {
		return fmt.Errorf("清理间隔必须大于0")
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		return fmt.Errorf("健康检查间隔和超时必须大于0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("熔断失败阈值必须大于0: %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("熔断打开时长必须大于0")
	}
	switch c.Breaker.Granularity {
	case "instance", "service":
	default:
		return fmt.Errorf("未知的熔断粒度: %s", c.Breaker.Granularity)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("重试次数必须大于0: %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("重试退避时间不能为负数")
	}
	switch c.Balancer.Strategy {
	case "round-robin", "random", "least-failures", "weighted-random":
	default:
		return fmt.Errorf("未知的负载均衡策略: %s", c.Balancer.Strategy)
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Algorithm {
		case "sliding-window", "token-bucket":
		default:
			return fmt.Errorf("未知的限流算法: %s", c.RateLimit.Algorithm)
		}
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("限流阈值和窗口必须大于0")
		}
	}
	for name, l := range map[string]ListenConfig{
		"服务注册API": c.API.Registration,
		"管理API":   c.API.Management,
		"代理入口":    c.API.Proxy,
	} {
		if l.Port <= 0 || l.Port > 65535 {
			return fmt.Errorf("%s端口配置无效: %d", name, l.Port)
		}
	}
	if c.DNS.Enabled {
		if c.DNS.Port <= 0 || c.DNS.Port > 65535 {
			return fmt.Errorf("DNS端口配置无效: %d", c.DNS.Port)
		}
		if c.DNS.Domain == "" {
			return fmt.Errorf("DNS域名后缀不能为空")
		}
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}
	return nil
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-proxy/config.yaml",
		"/etc/kong-proxy/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
