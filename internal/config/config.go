package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scheduled-gpt-oracle/internal/auth"
	"scheduled-gpt-oracle/internal/llm/openai"
	"scheduled-gpt-oracle/internal/queue"
	"scheduled-gpt-oracle/internal/storage/mysql"
	"scheduled-gpt-oracle/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "ORACLE_CONFIG"

// DefaultPath 是未设置环境变量时的配置文件路径。
const DefaultPath = "configs/oracle.json"

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig   `json:"server"`
	Logging    logger.Config  `json:"logging"`
	Ledger     LedgerConfig   `json:"ledger"`
	Notifier   NotifierConfig `json:"notifier"`
	Workers    WorkersConfig  `json:"workers"`
	LLM        LLMConfig      `json:"llm"`
	Alerting   AlertingConfig `json:"alerting"`
	Auth       auth.Config    `json:"auth"`
	Deployment string         `json:"deployment"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsEnabled bool   `json:"metrics_enabled"`
	// MetricsAddress 非空时在独立端口暴露 /metrics，否则挂在 API 路由上。
	MetricsAddress      string `json:"metrics_address"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_seconds"`
	// ReplayCacheSize 是回调签名防重放缓存的容量。
	ReplayCacheSize int `json:"replay_cache_size"`
}

// LedgerConfig 选择账本状态的存储后端。
type LedgerConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// NotifierConfig 选择待处理交互与任务通知的队列后端。
type NotifierConfig struct {
	Driver        string         `json:"driver"`
	Buffer        int            `json:"buffer"`
	BlockWaitSecs int            `json:"block_wait_seconds"`
	MaxAttempts   int            `json:"max_attempts"`
	Redis         RedisConfig    `json:"redis"`
	RabbitMQ      RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefix   string `json:"prefix"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
	// DeadLetterExchange 接收超过重试上限的通知。
	DeadLetterExchange string `json:"dead_letter_exchange"`
}

// WorkersConfig 控制后台协程数量。
type WorkersConfig struct {
	Crank            int `json:"crank"`
	Responder        int `json:"responder"`
	ModelTimeoutSecs int `json:"model_timeout_seconds"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey      string  `json:"api_key"`
	APIKeyEnv   string  `json:"api_key_env"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	TimeoutSecs int     `json:"timeout_seconds"`
}

// AlertingConfig 描述任务失败时的告警渠道，日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL  string `json:"webhook_url"`
	TimeoutSecs int    `json:"timeout_seconds"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 5
	}
	if c.Server.ReplayCacheSize <= 0 {
		c.Server.ReplayCacheSize = 4096
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Notifier.Driver == "" {
		c.Notifier.Driver = "memory"
	}
	if c.Notifier.Buffer <= 0 {
		c.Notifier.Buffer = 128
	}
	if c.Notifier.MaxAttempts <= 0 {
		c.Notifier.MaxAttempts = queue.DefaultMaxAttempts
	}

	if c.Workers.Crank <= 0 {
		c.Workers.Crank = 1
	}
	if c.Workers.Responder <= 0 {
		c.Workers.Responder = 2
	}
	if c.Workers.ModelTimeoutSecs <= 0 {
		c.Workers.ModelTimeoutSecs = 60
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "echo"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Alerting.TimeoutSecs <= 0 {
		c.Alerting.TimeoutSecs = 10
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeToken
	}

	if c.Deployment == "" {
		c.Deployment = filepath.Join(baseDir, "deployment.yaml")
	} else if !filepath.IsAbs(c.Deployment) {
		c.Deployment = filepath.Join(baseDir, c.Deployment)
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Ledger.Driver) {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Ledger.MySQL.DSN) == "" {
			return errors.New("ledger.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的账本存储驱动: %s", c.Ledger.Driver)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "echo", "openai":
	default:
		return fmt.Errorf("不支持的大模型提供方: %s", c.LLM.Provider)
	}
	switch c.Auth.Mode {
	case auth.ModeToken, auth.ModeDisabled:
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}
	return nil
}

// MySQLStore 转换为账户存储的连接参数。
func (c *Config) MySQLStore() mysql.Config {
	return mysql.Config{
		DSN:             c.Ledger.MySQL.DSN,
		MaxOpenConns:    c.Ledger.MySQL.MaxOpenConns,
		MaxIdleConns:    c.Ledger.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.Ledger.MySQL.ConnMaxLifetimeSeconds) * time.Second,
	}
}

// Queue 转换为通知队列配置。
func (c *Config) Queue() queue.Config {
	return queue.Config{
		Driver:      c.Notifier.Driver,
		Buffer:      c.Notifier.Buffer,
		BlockWait:   time.Duration(c.Notifier.BlockWaitSecs) * time.Second,
		MaxAttempts: c.Notifier.MaxAttempts,
		Redis: queue.RedisConfig{
			Address:  c.Notifier.Redis.Address,
			Password: c.Notifier.Redis.Password,
			DB:       c.Notifier.Redis.DB,
			Key:      c.Notifier.Redis.Prefix,
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:                c.Notifier.RabbitMQ.URL,
			Queue:              c.Notifier.RabbitMQ.Prefix,
			Prefetch:           c.Notifier.RabbitMQ.Prefetch,
			Durable:            c.Notifier.RabbitMQ.Durable,
			DeadLetterExchange: c.Notifier.RabbitMQ.DeadLetterExchange,
		},
	}
}

// OpenAIClient 转换为 OpenAI 客户端配置，API Key 缺省时从环境变量读取。
func (c *Config) OpenAIClient() openai.Config {
	apiKey := c.LLM.OpenAI.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(c.LLM.OpenAI.APIKeyEnv)
	}
	return openai.Config{
		APIKey:      apiKey,
		BaseURL:     c.LLM.OpenAI.BaseURL,
		Model:       c.LLM.OpenAI.Model,
		Temperature: c.LLM.OpenAI.Temperature,
		Timeout:     time.Duration(c.LLM.OpenAI.TimeoutSecs) * time.Second,
	}
}

// ModelTimeout 返回单次大模型调用的超时时间。
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Workers.ModelTimeoutSecs) * time.Second
}

// AlertTimeout 返回 webhook 告警请求的超时时间。
func (c *Config) AlertTimeout() time.Duration {
	return time.Duration(c.Alerting.TimeoutSecs) * time.Second
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}
