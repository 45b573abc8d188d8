package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config 选择通知队列的后端。
type Config struct {
	Driver    string
	Buffer    int
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	BlockWait time.Duration
	// MaxAttempts 是单条通知的最大处理次数，各后端共用。
	MaxAttempts int
}

// Open 按配置创建名为 topic 的队列，不同 topic 互不干扰。
func Open(ctx context.Context, cfg Config, topic string) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueueWithAttempts(cfg.Buffer, cfg.MaxAttempts), nil
	case "redis":
		redisCfg := cfg.Redis
		redisCfg.Key = joinTopic(redisCfg.Key, "oracle", topic, ":")
		if redisCfg.MaxAttempts == 0 {
			redisCfg.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.BlockWait > 0 {
			redisCfg.BlockWait = cfg.BlockWait
		}
		return NewRedisQueue(ctx, redisCfg)
	case "rabbitmq":
		rabbitCfg := cfg.RabbitMQ
		rabbitCfg.Queue = joinTopic(rabbitCfg.Queue, "oracle", topic, ".")
		if rabbitCfg.MaxAttempts == 0 {
			rabbitCfg.MaxAttempts = cfg.MaxAttempts
		}
		return NewRabbitMQQueue(rabbitCfg)
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Driver)
	}
}

func joinTopic(prefix, fallback, topic, sep string) string {
	if prefix == "" {
		prefix = fallback
	}
	return prefix + sep + topic
}
