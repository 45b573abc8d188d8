package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis 在内存中模拟 list 与 hash 命令。
type fakeRedis struct {
	mu       sync.Mutex
	lists    map[string][]string
	hashes   map[string]map[string]int64
	brpopErr error
	closed   bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: make(map[string][]string), hashes: make(map[string]map[string]int64)}
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{v.(string)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	if f.brpopErr != nil {
		f.mu.Unlock()
		return redis.NewStringSliceResult(nil, f.brpopErr)
	}
	list := f.lists[keys[0]]
	if n := len(list); n > 0 {
		value := list[n-1]
		f.lists[keys[0]] = list[:n-1]
		f.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], value}, nil)
	}
	f.mu.Unlock()

	wait := time.Millisecond
	if timeout < wait {
		wait = timeout
	}
	select {
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	case <-time.After(wait):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func (f *fakeRedis) HIncrBy(_ context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]int64)
	}
	f.hashes[key][field] += incr
	return redis.NewIntResult(f.hashes[key][field], nil)
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) list(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

func TestRedisQueueMovesPoisonToDeadList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeRedis()
	q := newRedisQueue(client, RedisConfig{Key: "oracle:crank", BlockWait: time.Millisecond, MaxAttempts: 3})
	var (
		poisonCalls atomic.Int32
		handled     = make(chan string, 4)
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, key string) error {
			if key == "poison" {
				poisonCalls.Add(1)
				return errors.New("decode failed")
			}
			handled <- key
			return nil
		})
	}()

	for _, key := range []string{"poison", "task-1"} {
		if err := q.Publish(ctx, key); err != nil {
			t.Fatalf("publish %s: %v", key, err)
		}
	}
	if got := <-handled; got != "task-1" {
		t.Fatalf("unexpected key %q", got)
	}
	waitFor(t, "dead list", func() bool { return len(client.list("oracle:crank:dead")) == 1 })

	if poisonCalls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", poisonCalls.Load())
	}
	if rest := client.list("oracle:crank"); len(rest) != 0 {
		t.Fatalf("queue should be empty, got %v", rest)
	}
	client.mu.Lock()
	pending := len(client.hashes["oracle:crank:attempts"])
	client.mu.Unlock()
	if pending != 0 {
		t.Fatalf("attempt counters should be cleared, %d left", pending)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisQueueReturnsReadErrors(t *testing.T) {
	client := newFakeRedis()
	client.brpopErr = errors.New("connection reset")
	q := newRedisQueue(client, RedisConfig{})

	err := q.Consume(context.Background(), 3, func(context.Context, string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected read error, got %v", err)
	}
	if err := q.Close(); err != nil || !client.closed {
		t.Fatalf("close: err=%v closed=%v", err, client.closed)
	}
}
