// Package queue carries post-commit notifications between the ledger services
// and their background workers. Producers publish account addresses once a
// transaction has committed; consumers hand them to a Handler with a fixed
// number of workers. A notification whose handler keeps failing is retried
// up to a bounded number of attempts and then dropped.
package queue

import (
	"context"
	"log/slog"

	"scheduled-gpt-oracle/pkg/logger"
)

// DefaultMaxAttempts 是一条通知最多交给 Handler 的次数。
const DefaultMaxAttempts = 5

// Handler 处理一条通知，返回错误表示需要稍后重投。
type Handler func(ctx context.Context, key string) error

// Producer 负责投递通知。
type Producer interface {
	Publish(ctx context.Context, key string) error
	Close() error
}

// Consumer 负责消费通知。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func maxAttemptsOr(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}

func workersOr(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// logDropped 记录超过重试上限而被放弃的通知。
func logDropped(log *slog.Logger, backend, key string, attempts int, err error) {
	if log == nil {
		log = logger.Named("queue")
	}
	log.Error("notification dropped",
		slog.String("backend", backend),
		slog.String("key", key),
		slog.Int("attempts", attempts),
		slog.Any("error", err))
}
