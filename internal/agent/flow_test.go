package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/llm"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/queue"
	"scheduled-gpt-oracle/internal/taskqueue"
)

// TestScheduledInteractionRoundTrip 串起预言机、任务队列、crank 与回调的完整链路。
func TestScheduledInteractionRoundTrip(t *testing.T) {
	ctx := context.Background()
	payer := ledger.PublicKey{1}
	admin := ledger.PublicKey{2}
	crankKey := ledger.PublicKey{3}

	store := ledger.NewMemoryStore()
	require.NoError(t, ledger.Fund(ctx, store, map[ledger.PublicKey]uint64{
		payer: 1_000_000_000,
		admin: 1_000_000_000,
	}))
	rt := ledger.NewRuntime(store)

	pending := queue.NewMemoryQueue(16)
	tasks := queue.NewMemoryQueue(16)
	oracleSvc := oracle.NewService(oracle.DefaultProgramID, rt, oracle.WithPendingProducer(pending))
	queueSvc := taskqueue.NewService(taskqueue.DefaultProgramID, rt, taskqueue.WithTaskProducer(tasks))

	var responses []Response
	program, err := New(Config{},
		oracle.NewClient(oracle.DefaultProgramID),
		taskqueue.NewClient(taskqueue.DefaultProgramID),
		WithResponseHandler(ResponseHandlerFunc(func(_ context.Context, resp Response) error {
			responses = append(responses, resp)
			return nil
		})))
	require.NoError(t, err)
	rt.Register(program)

	require.NoError(t, oracleSvc.Initialize(ctx, admin))
	queueKey, err := queueSvc.CreateQueue(ctx, admin, admin, taskqueue.QueueConfig{
		ID: 210, Name: "gpt-scheduler", Capacity: 5, MinCrankReward: 1_000_000,
	})
	require.NoError(t, err)
	require.NoError(t, queueSvc.AddQueueAuthority(ctx, admin, admin, queueKey, program.QueueAuthority().Address))

	deploy := program.Deployment(queueKey)
	counter, err := oracleSvc.Counter(ctx)
	require.NoError(t, err)
	initAccts := deploy.InitializeAccounts(payer, counter.Count)
	ix, err := InitializeInstruction(deploy.ProgramID, initAccts)
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, ledger.Transaction{Instructions: []ledger.Instruction{ix}, Signers: []ledger.PublicKey{payer}}))

	stored, err := oracleSvc.Context(ctx, initAccts.Context)
	require.NoError(t, err)
	require.Equal(t, Description, stored.Text)

	sched, err := deploy.ScheduleAccounts(payer, initAccts.Context, 1)
	require.NoError(t, err)
	ix, err = ScheduleInstruction(deploy.ProgramID, sched, 1, "hello")
	require.NoError(t, err)
	scheduleTx := ledger.Transaction{Instructions: []ledger.Instruction{ix}, Signers: []ledger.PublicKey{payer}}
	require.NoError(t, rt.Execute(ctx, scheduleTx))

	err = rt.Execute(ctx, scheduleTx)
	require.Equal(t, xerrors.CodeDuplicateTask, xerrors.CodeOf(err), "got %v", err)
	require.Equal(t, 1, tasks.Len())

	task, err := queueSvc.Task(ctx, sched.Task)
	require.NoError(t, err)
	require.Equal(t, payer, task.Payer)
	require.Equal(t, ScheduledCrankReward, task.CrankReward)
	require.Equal(t, ScheduledDescription, task.Description)

	// crank 回放任务，预言机记录待处理交互。
	crank := taskqueue.NewCrank(queueSvc, tasks, crankKey)
	require.NoError(t, crank.Handle(ctx, sched.Task.String()))
	crankAcct, err := rt.Account(ctx, crankKey)
	require.NoError(t, err)
	require.Equal(t, ScheduledCrankReward, crankAcct.Lamports)

	interaction, err := oracleSvc.Interaction(ctx, sched.Interaction)
	require.NoError(t, err)
	require.Equal(t, "hello", interaction.Text)
	require.Equal(t, oracle.StatusPending, interaction.Status)
	require.Equal(t, deploy.ProgramID, interaction.CallbackProgram)
	require.Equal(t, 1, pending.Len())

	// 预言机回复后回调智能体。
	responder := oracle.NewResponder(oracleSvc, llm.Echo{Prefix: "echo: "}, pending)
	require.NoError(t, responder.Handle(ctx, sched.Interaction.String()))
	require.Equal(t, []Response{{
		Identity:    oracleSvc.Identity(),
		Interaction: sched.Interaction,
		Text:        "echo: hello",
	}}, responses)

	// 任务执行后编号可再次使用。
	require.NoError(t, rt.Execute(ctx, scheduleTx))
}

func TestDirectInteractionRoundTrip(t *testing.T) {
	ctx := context.Background()
	payer := ledger.PublicKey{1}

	store := ledger.NewMemoryStore()
	require.NoError(t, ledger.Fund(ctx, store, map[ledger.PublicKey]uint64{payer: 1_000_000_000}))
	rt := ledger.NewRuntime(store)
	pending := queue.NewMemoryQueue(4)
	oracleSvc := oracle.NewService(oracle.DefaultProgramID, rt, oracle.WithPendingProducer(pending))

	var responses []Response
	program, err := New(Config{}, oracle.NewClient(oracle.DefaultProgramID), taskqueue.NewClient(taskqueue.DefaultProgramID),
		WithResponseHandler(ResponseHandlerFunc(func(_ context.Context, resp Response) error {
			responses = append(responses, resp)
			return nil
		})))
	require.NoError(t, err)
	rt.Register(program)
	require.NoError(t, oracleSvc.Initialize(ctx, payer))

	deploy := program.Deployment(ledger.PublicKey{})
	initAccts := deploy.InitializeAccounts(payer, 0)
	ix, err := InitializeInstruction(deploy.ProgramID, initAccts)
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, ledger.Transaction{Instructions: []ledger.Instruction{ix}, Signers: []ledger.PublicKey{payer}}))

	interact := deploy.InteractAccounts(payer, initAccts.Context)
	ix, err = InteractInstruction(deploy.ProgramID, interact, "")
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, ledger.Transaction{Instructions: []ledger.Instruction{ix}, Signers: []ledger.PublicKey{payer}}))

	require.NoError(t, oracleSvc.Respond(ctx, interact.Interaction, "empty question"))
	require.Len(t, responses, 1)
	require.Equal(t, "empty question", responses[0].Text)

	// 身份账户归预言机程序所有，只能经由预言机的签名调用回调。
	ix, err = CallbackInstruction(deploy.ProgramID, oracleSvc.Identity(), "forged")
	require.NoError(t, err)
	err = rt.Execute(ctx, ledger.Transaction{Instructions: []ledger.Instruction{ix}, Signers: []ledger.PublicKey{oracleSvc.Identity()}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)
	require.Len(t, responses, 1)
}
