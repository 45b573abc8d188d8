package taskqueue

import (
	"context"
	"log/slog"
	"time"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/queue"
)

// Observer 接收 crank 每次执行的结果，用于指标统计。
type Observer func(outcome string, elapsed time.Duration)

// FailureHandler 在任务回放失败且不会重试时被调用。
type FailureHandler func(ctx context.Context, task ledger.PublicKey, err error)

// Crank 从队列消费任务地址，回放到期任务并领取奖励。
type Crank struct {
	service     *Service
	consumer    queue.Consumer
	producer    queue.Producer
	crank       ledger.PublicKey
	workerCount int
	observer    Observer
	onFailure   FailureHandler
	logger      *slog.Logger
}

// CrankOption 定义可选配置。
type CrankOption func(*Crank)

// WithCrankWorkers 设置消费协程数量。
func WithCrankWorkers(workers int) CrankOption {
	return func(c *Crank) {
		if workers > 0 {
			c.workerCount = workers
		}
	}
}

// WithObserver 配置执行结果回调。
func WithObserver(observer Observer) CrankOption {
	return func(c *Crank) {
		c.observer = observer
	}
}

// WithFailureHandler 配置回放失败时的告警回调。
func WithFailureHandler(handler FailureHandler) CrankOption {
	return func(c *Crank) {
		c.onFailure = handler
	}
}

// NewCrank 构造 Crank，奖励记入 crank 地址。
func NewCrank(service *Service, q queue.Queue, crank ledger.PublicKey, opts ...CrankOption) *Crank {
	c := &Crank{
		service:     service,
		consumer:    q,
		producer:    q,
		crank:       crank,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if service != nil {
		c.logger = service.logger.With(slog.String("worker", "crank"))
	}
	return c
}

// Start 启动消费循环，直到 ctx 结束。
func (c *Crank) Start(ctx context.Context) error {
	if c.consumer == nil || c.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "crank 未初始化")
	}
	return c.consumer.Consume(ctx, c.workerCount, c.Handle)
}

// Resume 重新投递队列中仍在排队的任务，用于进程重启后的恢复。
func (c *Crank) Resume(ctx context.Context, queueKey ledger.PublicKey) (int, error) {
	keys, err := c.service.PendingTasks(ctx, queueKey)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := c.producer.Publish(ctx, key.String()); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Handle 执行一个任务。未到期的任务延迟重投；回放失败的任务保留在队列中，不会重试。
func (c *Crank) Handle(ctx context.Context, key string) error {
	start := time.Now()
	taskKey, err := ledger.ParsePublicKey(key)
	if err != nil {
		c.logger.Warn("skip malformed task key", slog.String("key", key), slog.Any("error", err))
		return nil
	}

	if _, err := c.service.Task(ctx, taskKey); err != nil {
		switch {
		case xerrors.HasCode(err, xerrors.CodeAccountNotFound):
			// 任务已被执行。
			c.observe("skipped", start)
			return nil
		case xerrors.HasCode(err, xerrors.CodeStorageFailure):
			c.observe("retry", start)
			return err
		default:
			c.fail(ctx, key, taskKey, err, start)
			return nil
		}
	}

	err = c.service.RunTask(ctx, taskKey, c.crank)
	switch {
	case err == nil:
		c.observe("executed", start)
		return nil
	case xerrors.HasCode(err, CodeTaskNotDue):
		c.requeueLater(ctx, taskKey)
		c.observe("deferred", start)
		return nil
	case xerrors.HasCode(err, xerrors.CodeStorageFailure):
		c.observe("retry", start)
		return err
	default:
		c.fail(ctx, key, taskKey, err, start)
		return nil
	}
}

// fail 记录无法通过重试恢复的任务，交给失败回调处理。
func (c *Crank) fail(ctx context.Context, key string, taskKey ledger.PublicKey, err error, start time.Time) {
	c.logger.Error("task execution failed",
		slog.String("task", key),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	c.observe("failed", start)
	if c.onFailure != nil {
		c.onFailure(ctx, taskKey, err)
	}
}

func (c *Crank) requeueLater(ctx context.Context, taskKey ledger.PublicKey) {
	task, err := c.service.Task(ctx, taskKey)
	if err != nil {
		return
	}
	delay := task.Trigger.Until(c.service.now())
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := c.producer.Publish(ctx, taskKey.String()); err != nil {
			c.logger.Warn("republish deferred task failed", slog.String("task", taskKey.String()), slog.Any("error", err))
		}
	})
}

func (c *Crank) observe(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer(outcome, time.Since(start))
	}
}
