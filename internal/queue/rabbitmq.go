package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"scheduled-gpt-oracle/pkg/logger"
)

// attemptsHeader 记录消息已被处理的次数，重投时递增。
const attemptsHeader = "x-oracle-attempts"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// DeadLetterExchange 接收超过重试上限的消息，为空时直接丢弃。
	DeadLetterExchange string
	MaxAttempts        int
}

// amqpChannel 是通知队列用到的 channel 操作。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue 把每个主题映射为一个 RabbitMQ 队列。失败的消息以递增的
// 尝试次数重新发布，达到上限后被拒绝并进入死信交换机。
type RabbitMQQueue struct {
	conn        io.Closer
	ch          amqpChannel
	queue       string
	durable     bool
	maxAttempts int
	logger      *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q := newRabbitMQQueue(conn, ch, cfg)
	if err := q.declare(ch, cfg); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func newRabbitMQQueue(conn io.Closer, ch amqpChannel, cfg RabbitMQConfig) *RabbitMQQueue {
	name := cfg.Queue
	if name == "" {
		name = "oracle.notifications"
	}
	return &RabbitMQQueue{
		conn:        conn,
		ch:          ch,
		queue:       name,
		durable:     cfg.Durable,
		maxAttempts: maxAttemptsOr(cfg.MaxAttempts),
		logger:      logger.Named("queue").With(slog.String("queue", name)),
	}
}

func (q *RabbitMQQueue) declare(ch *amqp.Channel, cfg RabbitMQConfig) error {
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	var args amqp.Table
	if cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, args); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return nil
}

// Publish 发布一条首次投递的通知。
func (q *RabbitMQQueue) Publish(ctx context.Context, key string) error {
	return q.publish(ctx, key, 1)
}

func (q *RabbitMQQueue) publish(ctx context.Context, key string, attempt int) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "text/plain",
		Headers:     amqp.Table{attemptsHeader: int32(attempt)},
		Body:        []byte(key),
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return fmt.Errorf("RabbitMQ 发布通知失败: %w", err)
	}
	return nil
}

// Consume 以手动确认模式消费，直到 ctx 结束或 channel 关闭。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workersOr(workerCount); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// deliver 处理一条消息。失败时先发布带递增次数的副本再确认原消息，
// 达到上限的消息被拒绝且不重新入队。
func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	key := string(msg.Body)
	err := handler(ctx, key)
	if err == nil {
		_ = msg.Ack(false)
		return
	}
	if ctx.Err() != nil {
		_ = msg.Nack(false, true)
		return
	}
	attempt := attemptOf(msg.Headers)
	if attempt >= q.maxAttempts {
		logDropped(q.logger, "rabbitmq", key, attempt, err)
		_ = msg.Nack(false, false)
		return
	}
	if pubErr := q.publish(ctx, key, attempt+1); pubErr != nil {
		q.logger.Warn("republish failed, returning message to broker", slog.String("key", key), slog.Any("error", pubErr))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func attemptOf(headers amqp.Table) int {
	switch v := headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
