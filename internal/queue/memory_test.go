package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(256)
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, 4, func(_ context.Context, key string) error {
			mu.Lock()
			seen[key]++
			mu.Unlock()
			return nil
		})
	}()

	for i := 0; i < 100; i++ {
		if err := q.Publish(ctx, fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 100 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d keys consumed", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestMemoryQueueRedeliversFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(4)
	var attempts atomic.Int32
	succeeded := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, _ string) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			close(succeeded)
			return nil
		})
	}()

	if err := q.Publish(ctx, "task"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-succeeded:
	case <-ctx.Done():
		t.Fatalf("handler never succeeded, attempts=%d", attempts.Load())
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := q.Publish(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Consume(context.Background(), 1, func(context.Context, string) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from consume, got %v", err)
	}
}

func TestMemoryQueueDropsAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueueWithAttempts(4, 3)
	var poison atomic.Int32
	handled := make(chan string, 1)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, key string) error {
			if key == "poison" {
				poison.Add(1)
				return errors.New("decode failed")
			}
			handled <- key
			return nil
		})
	}()

	if err := q.Publish(ctx, "poison"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for poison.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d attempts", poison.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// 达到上限后不再重投，后续通知照常处理。
	if err := q.Publish(ctx, "task-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	<-handled
	time.Sleep(20 * time.Millisecond)
	if got := poison.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be drained, len=%d", q.Len())
	}
}
