package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"scheduled-gpt-oracle/pkg/logger"
)

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Key         string
	BlockWait   time.Duration
	MaxAttempts int
}

// redisClient 是 Redis 队列依赖的命令集合，*redis.Client 满足该接口。
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现通知队列。每条通知的失败次数记录在
// <key>:attempts 哈希中，超过上限的通知被移入 <key>:dead。
type RedisQueue struct {
	client      redisClient
	key         string
	attemptsKey string
	deadKey     string
	wait        time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client redisClient, cfg RedisConfig) *RedisQueue {
	key := cfg.Key
	if key == "" {
		key = "oracle:notifications"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		attemptsKey: key + ":attempts",
		deadKey:     key + ":dead",
		wait:        wait,
		maxAttempts: maxAttemptsOr(cfg.MaxAttempts),
		logger:      logger.Named("queue").With(slog.String("list", key)),
	}
}

// Publish 将通知写入 Redis list。
func (q *RedisQueue) Publish(ctx context.Context, key string) error {
	if err := q.client.LPush(ctx, q.key, key).Err(); err != nil {
		return fmt.Errorf("Redis 发布通知失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取通知，任一 worker 遇到读取错误时返回。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	workers := workersOr(workerCount)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("Redis 读取通知失败: %w", err)
		case len(values) != 2:
			continue
		}
		q.deliver(ctx, values[1], handler)
	}
	return nil
}

func (q *RedisQueue) deliver(ctx context.Context, key string, handler Handler) {
	handlerErr := handler(ctx, key)
	if handlerErr == nil {
		_ = q.client.HDel(ctx, q.attemptsKey, key).Err()
		return
	}
	if ctx.Err() != nil {
		// 关闭期间放回队尾，下次启动优先处理。
		_ = q.client.RPush(context.WithoutCancel(ctx), q.key, key).Err()
		return
	}
	attempts, err := q.client.HIncrBy(ctx, q.attemptsKey, key, 1).Result()
	if err != nil {
		q.logger.Warn("attempt counter unavailable", slog.String("key", key), slog.Any("error", err))
		attempts = 1
	}
	if int(attempts) >= q.maxAttempts {
		logDropped(q.logger, "redis", key, int(attempts), handlerErr)
		_ = q.client.HDel(ctx, q.attemptsKey, key).Err()
		_ = q.client.LPush(ctx, q.deadKey, key).Err()
		return
	}
	// 放到消费端的对侧，让其它通知先被处理。
	if err := q.client.LPush(ctx, q.key, key).Err(); err != nil {
		q.logger.Warn("requeue failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
