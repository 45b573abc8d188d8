package oracle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/llm"
	"scheduled-gpt-oracle/internal/queue"
)

// Responder 从队列消费待处理交互，调用大模型后回写回复。
type Responder struct {
	service     *Service
	model       llm.Client
	consumer    queue.Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
}

// ResponderOption 定义可选配置。
type ResponderOption func(*Responder)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ResponderOption {
	return func(r *Responder) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithModelTimeout 设置单次大模型调用的超时时间。
func WithModelTimeout(timeout time.Duration) ResponderOption {
	return func(r *Responder) {
		r.timeout = timeout
	}
}

// NewResponder 构造 Responder。
func NewResponder(service *Service, model llm.Client, consumer queue.Consumer, opts ...ResponderOption) *Responder {
	r := &Responder{
		service:     service,
		model:       model,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if service != nil {
		r.logger = service.logger.With(slog.String("worker", "responder"))
	}
	return r
}

// Start 启动消费循环，直到 ctx 结束。
func (r *Responder) Start(ctx context.Context) error {
	if r.consumer == nil || r.service == nil || r.model == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "responder 未初始化")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.Handle)
}

// Handle 处理一个交互地址。已完成或不存在的交互会被跳过。
func (r *Responder) Handle(ctx context.Context, key string) error {
	interactionKey, err := ledger.ParsePublicKey(key)
	if err != nil {
		r.logger.Warn("skip malformed interaction key", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	record, err := r.service.Interaction(ctx, interactionKey)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return nil
		}
		return err
	}
	if record.Status != StatusPending {
		r.logger.Debug("skip interaction", slog.String("interaction", key), slog.String("status", record.Status.String()))
		return nil
	}
	contextAccount, err := r.service.Context(ctx, record.Context)
	if err != nil {
		return err
	}

	modelCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		modelCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	reply, err := r.model.Generate(modelCtx, llm.Request{
		Instructions: contextAccount.Text,
		Text:         record.Text,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("model timed out", slog.String("interaction", key))
		} else {
			r.logger.Error("model call failed", slog.String("interaction", key), slog.Any("error", err))
		}
		return err
	}

	if err := r.service.Respond(ctx, interactionKey, reply.Reply); err != nil {
		if xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			// 其他 worker 已完成该交互。
			return nil
		}
		r.logger.Error("deliver response failed",
			slog.String("interaction", key),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		if e, ok := xerrors.From(err); ok && e.Retryable() {
			return err
		}
		// 回调被拒绝时交互保持待处理，不再自动重投。
		return nil
	}
	return nil
}
