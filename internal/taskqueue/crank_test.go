package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) observe(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestCrankHandleOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := &outcomeRecorder{}
	crankKey := ledger.PublicKey{99}
	var failed []ledger.PublicKey
	crank := NewCrank(f.service, f.tasks, crankKey, WithObserver(rec.observe),
		WithFailureHandler(func(_ context.Context, task ledger.PublicKey, err error) {
			require.Error(t, err)
			failed = append(failed, task)
		}))

	require.NoError(t, f.enqueue(ctx, f.caller, f.payer, f.args(t, 0, TriggerNow())))
	require.NoError(t, crank.Handle(ctx, f.taskKey(0).String()))
	require.NoError(t, crank.Handle(ctx, f.taskKey(0).String()))
	require.NoError(t, crank.Handle(ctx, "not-a-key"))

	f.targetErr = errors.New("replay rejected")
	require.NoError(t, f.enqueue(ctx, f.caller, f.payer, f.args(t, 1, TriggerNow())))
	require.NoError(t, crank.Handle(ctx, f.taskKey(1).String()))

	require.Equal(t, []string{"executed", "skipped", "failed"}, rec.list())
	require.Equal(t, []ledger.PublicKey{f.taskKey(1)}, failed)

	acct, err := f.runtime.Account(ctx, crankKey)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), acct.Lamports)
}

func TestCrankFailsUnreadableTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := &outcomeRecorder{}
	var failed []error
	crank := NewCrank(f.service, f.tasks, ledger.PublicKey{99}, WithObserver(rec.observe),
		WithFailureHandler(func(_ context.Context, _ ledger.PublicKey, err error) {
			failed = append(failed, err)
		}))

	// payer 是系统账户，无法解码为任务，重试也不会改变结果。
	require.NoError(t, crank.Handle(ctx, f.payer.String()))
	require.Equal(t, []string{"failed"}, rec.list())
	require.Len(t, failed, 1)
	require.True(t, xerrors.HasCode(failed[0], xerrors.CodeInvalidAccount))
	require.Zero(t, f.replays)
}

func TestCrankDefersFutureTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	rec := &outcomeRecorder{}
	crank := NewCrank(f.service, f.tasks, ledger.PublicKey{99}, WithObserver(rec.observe))

	require.NoError(t, f.enqueue(ctx, f.caller, f.payer, f.args(t, 0, TriggerAt(f.now.Add(time.Hour)))))
	require.NoError(t, crank.Handle(ctx, f.taskKey(0).String()))
	require.Equal(t, []string{"deferred"}, rec.list())
	require.Zero(t, f.replays)

	_, err := f.service.Task(ctx, f.taskKey(0))
	require.NoError(t, err)
}

func TestCrankResumeRepublishesQueuedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	crank := NewCrank(f.service, f.tasks, ledger.PublicKey{99})

	require.NoError(t, f.enqueue(ctx, f.caller, f.payer, f.args(t, 0, TriggerNow())))
	require.NoError(t, f.enqueue(ctx, f.caller, f.payer, f.args(t, 4, TriggerNow())))
	require.Equal(t, 2, f.tasks.Len())

	n, err := crank.Resume(ctx, f.queueKey)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 4, f.tasks.Len())
}

func TestCrankStartRunsQueuedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	rec := &outcomeRecorder{}
	crank := NewCrank(f.service, f.tasks, ledger.PublicKey{99}, WithCrankWorkers(2), WithObserver(rec.observe))

	done := make(chan error, 1)
	go func() { done <- crank.Start(ctx) }()

	require.NoError(t, f.enqueue(ctx, f.caller, f.payer, f.args(t, 0, TriggerNow())))
	require.Eventually(t, func() bool {
		_, err := f.runtime.Account(ctx, f.taskKey(0))
		return err != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Contains(t, rec.list(), "executed")
}
