package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示队列已关闭。
var ErrClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 模拟消息队列，用于单进程部署与测试。
type MemoryQueue struct {
	ch          chan string
	done        chan struct{}
	once        sync.Once
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	return NewMemoryQueueWithAttempts(size, DefaultMaxAttempts)
}

// NewMemoryQueueWithAttempts 创建内存队列并指定单条通知的最大处理次数。
func NewMemoryQueueWithAttempts(size, maxAttempts int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:          make(chan string, size),
		done:        make(chan struct{}),
		maxAttempts: maxAttemptsOr(maxAttempts),
		attempts:    make(map[string]int),
	}
}

// Publish 将通知投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, key string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- key:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列，处理失败的通知在达到上限前重新入队。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < workersOr(workerCount); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case key := <-q.ch:
					q.deliver(ctx, key, handler)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (q *MemoryQueue) deliver(ctx context.Context, key string, handler Handler) {
	err := handler(ctx, key)
	q.mu.Lock()
	if err == nil {
		delete(q.attempts, key)
		q.mu.Unlock()
		return
	}
	q.attempts[key]++
	attempts := q.attempts[key]
	if attempts >= q.maxAttempts {
		delete(q.attempts, key)
	}
	q.mu.Unlock()

	switch {
	case ctx.Err() != nil:
	case attempts >= q.maxAttempts:
		logDropped(nil, "memory", key, attempts, err)
	default:
		// 重投不能阻塞当前 worker，否则缓冲区满时会自锁。
		go func() { _ = q.Publish(ctx, key) }()
	}
}

// Len 返回尚未消费的通知数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
