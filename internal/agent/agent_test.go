package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"scheduled-gpt-oracle/internal/compiler"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
)

type createCall struct {
	accts       oracle.CreateContextAccounts
	description string
	payerSigned bool
}

type interactCall struct {
	accts oracle.InteractAccounts
	req   oracle.InteractRequest
}

type stubOracle struct {
	creates      []createCall
	interactions []interactCall
	err          error
}

func (s *stubOracle) CreateContext(_ context.Context, inv *ledger.Invocation, accts oracle.CreateContextAccounts, description string) error {
	s.creates = append(s.creates, createCall{accts: accts, description: description, payerSigned: inv.IsSigner(accts.Payer)})
	return s.err
}

func (s *stubOracle) Interact(_ context.Context, _ *ledger.Invocation, accts oracle.InteractAccounts, req oracle.InteractRequest) error {
	s.interactions = append(s.interactions, interactCall{accts: accts, req: req})
	return s.err
}

type queueCall struct {
	accts     taskqueue.QueueTaskAccounts
	authority taskqueue.QueueAuthority
	args      taskqueue.QueueTaskArgs
}

type stubQueue struct {
	calls []queueCall
	used  map[uint16]bool
	err   error
}

func (s *stubQueue) QueueTask(_ context.Context, _ *ledger.Invocation, accts taskqueue.QueueTaskAccounts, authority taskqueue.QueueAuthority, args taskqueue.QueueTaskArgs) error {
	if s.err != nil {
		return s.err
	}
	if s.used == nil {
		s.used = make(map[uint16]bool)
	}
	if s.used[args.ID] {
		return xerrors.New(xerrors.CodeDuplicateTask, "task id already in use")
	}
	s.used[args.ID] = true
	s.calls = append(s.calls, queueCall{accts: accts, authority: authority, args: args})
	return nil
}

type harness struct {
	runtime   *ledger.Runtime
	program   *Program
	oracle    *stubOracle
	queue     *stubQueue
	responses []Response
	payer     ledger.PublicKey
	deploy    Deployment
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Config{})
}

func newHarnessWith(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		oracle: &stubOracle{},
		queue:  &stubQueue{},
		payer:  ledger.PublicKey{1},
	}
	store := ledger.NewMemoryStore()
	require.NoError(t, ledger.Fund(context.Background(), store, map[ledger.PublicKey]uint64{h.payer: 1_000_000_000}))
	h.runtime = ledger.NewRuntime(store)

	var err error
	h.program, err = New(cfg, h.oracle, h.queue, WithResponseHandler(ResponseHandlerFunc(func(_ context.Context, resp Response) error {
		h.responses = append(h.responses, resp)
		return nil
	})))
	require.NoError(t, err)
	h.runtime.Register(h.program)
	h.deploy = DefaultDeployment(210)
	return h
}

func (h *harness) execute(ix ledger.Instruction, signers ...ledger.PublicKey) error {
	return h.runtime.Execute(context.Background(), ledger.Transaction{
		Instructions: []ledger.Instruction{ix},
		Signers:      signers,
	})
}

func (h *harness) initialize(t *testing.T) InitializeAccounts {
	t.Helper()
	accts := h.deploy.InitializeAccounts(h.payer, 0)
	ix, err := InitializeInstruction(DefaultProgramID, accts)
	require.NoError(t, err)
	require.NoError(t, h.execute(ix, h.payer))
	return accts
}

func TestInitializeCreatesSingleAgent(t *testing.T) {
	h := newHarness(t)
	accts := h.initialize(t)

	acct, err := h.runtime.Account(context.Background(), Address(DefaultProgramID))
	require.NoError(t, err)
	require.Equal(t, DefaultProgramID, acct.Owner)
	require.Len(t, acct.Data, AccountSpace)
	record, err := DecodeAgent(acct.Data)
	require.NoError(t, err)
	require.Equal(t, accts.Context, record.Context)

	require.Len(t, h.oracle.creates, 1)
	require.Equal(t, createCall{
		accts:       oracle.CreateContextAccounts{Payer: h.payer, Context: accts.Context, Counter: accts.Counter},
		description: "You are a helpful assistant.",
		payerSigned: true,
	}, h.oracle.creates[0])

	ix, err := InitializeInstruction(DefaultProgramID, accts)
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAlreadyInitialized), "got %v", err)
	require.Len(t, h.oracle.creates, 1)
}

func TestInitializeValidation(t *testing.T) {
	h := newHarness(t)
	accts := h.deploy.InitializeAccounts(h.payer, 0)

	ix, err := InitializeInstruction(DefaultProgramID, accts)
	require.NoError(t, err)
	err = h.execute(ix)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)

	wrongAgent := accts
	wrongAgent.Agent = ledger.PublicKey{9}
	ix, err = InitializeInstruction(DefaultProgramID, wrongAgent)
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidAccount), "got %v", err)

	wrongOracle := accts
	wrongOracle.Oracle = ledger.PublicKey{10}
	ix, err = InitializeInstruction(DefaultProgramID, wrongOracle)
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.Equal(t, xerrors.CodeDelegatedCall, xerrors.CodeOf(err))

	require.Empty(t, h.oracle.creates)
}

func TestInitializeRollsBackWhenOracleFails(t *testing.T) {
	h := newHarness(t)
	h.oracle.err = errors.New("oracle unavailable")
	accts := h.deploy.InitializeAccounts(h.payer, 0)

	ix, err := InitializeInstruction(DefaultProgramID, accts)
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.Equal(t, xerrors.CodeDelegatedCall, xerrors.CodeOf(err))

	_, err = h.runtime.Account(context.Background(), Address(DefaultProgramID))
	require.True(t, xerrors.HasCode(err, xerrors.CodeAccountNotFound))
	payer, err := h.runtime.Account(context.Background(), h.payer)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), payer.Lamports)
}

func TestInteractForwardsEveryText(t *testing.T) {
	h := newHarness(t)
	accts := h.initialize(t)
	interact := h.deploy.InteractAccounts(h.payer, accts.Context)

	texts := []string{"", "hello", "¿qué hora es? 今何時"}
	for _, text := range texts {
		ix, err := InteractInstruction(DefaultProgramID, interact, text)
		require.NoError(t, err)
		require.NoError(t, h.execute(ix, h.payer))
	}

	require.Len(t, h.oracle.interactions, len(texts))
	for i, text := range texts {
		call := h.oracle.interactions[i]
		require.Equal(t, oracle.InteractAccounts{
			Payer:       h.payer,
			Interaction: interact.Interaction,
			Context:     accts.Context,
		}, call.accts)
		require.Equal(t, oracle.InteractRequest{
			Text:            text,
			CallbackProgram: DefaultProgramID,
			CallbackTag:     ledger.InstructionTag("callback_from_agent"),
		}, call.req)
	}
}

func TestInteractRejectsMismatchedContext(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	interact := h.deploy.InteractAccounts(h.payer, ledger.PublicKey{77})
	ix, err := InteractInstruction(DefaultProgramID, interact, "hello")
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.True(t, xerrors.HasCode(err, xerrors.CodeContextMismatch), "got %v", err)
	require.Empty(t, h.oracle.interactions)
}

func TestInteractBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	interact := h.deploy.InteractAccounts(h.payer, ledger.PublicKey{77})
	ix, err := InteractInstruction(DefaultProgramID, interact, "hello")
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidAccount), "got %v", err)
	require.Empty(t, h.oracle.interactions)
}

func TestCallbackRequiresVerifiedSigner(t *testing.T) {
	identity := ledger.PublicKey{5}
	h := newHarnessWith(t, Config{TrustedIdentities: []ledger.PublicKey{identity}})

	ix, err := CallbackInstruction(DefaultProgramID, identity, "42")
	require.NoError(t, err)
	require.NoError(t, h.execute(ix, identity))
	require.Equal(t, []Response{{Identity: identity, Text: "42"}}, h.responses)

	// 标记为签名者但未签名，会被降级并拒绝。
	err = h.execute(ix)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)

	ix.Accounts = nil
	err = h.execute(ix)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)
	require.Len(t, h.responses, 1)
}

func TestCallbackRejectsUnknownIdentity(t *testing.T) {
	h := newHarnessWith(t, Config{TrustedIdentities: []ledger.PublicKey{{5}}})

	// 任意钱包即使签名也不能冒充预言机。
	wallet := ledger.PublicKey{77}
	ix, err := CallbackInstruction(DefaultProgramID, wallet, "forged")
	require.NoError(t, err)
	err = h.execute(ix, wallet)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)

	// 身份地址尚未由预言机程序创建时同样拒绝。
	identity, _ := oracle.IdentityAddress(oracle.DefaultProgramID)
	ix, err = CallbackInstruction(DefaultProgramID, identity, "forged")
	require.NoError(t, err)
	err = h.execute(ix, identity)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)
	require.Empty(t, h.responses)
}

func TestCallbackHandlerErrorFails(t *testing.T) {
	identity := ledger.PublicKey{5}
	h := newHarnessWith(t, Config{TrustedIdentities: []ledger.PublicKey{identity}})
	h.program.handler = ResponseHandlerFunc(func(context.Context, Response) error {
		return errors.New("rejected")
	})
	ix, err := CallbackInstruction(DefaultProgramID, identity, "42")
	require.NoError(t, err)
	require.Error(t, h.execute(ix, identity))
}

func TestScheduleSubmitsCompiledInteraction(t *testing.T) {
	h := newHarness(t)
	accts := h.initialize(t)
	sched, err := h.deploy.ScheduleAccounts(h.payer, accts.Context, 1)
	require.NoError(t, err)

	ix, err := ScheduleInstruction(DefaultProgramID, sched, 1, "hello")
	require.NoError(t, err)
	require.NoError(t, h.execute(ix, h.payer))

	require.Len(t, h.queue.calls, 1)
	call := h.queue.calls[0]
	require.Equal(t, taskqueue.QueueTaskAccounts{
		Payer:              h.payer,
		TaskQueue:          sched.TaskQueue,
		TaskQueueAuthority: sched.TaskQueueAuthority,
		Task:               sched.Task,
	}, call.accts)
	require.Equal(t, h.program.QueueAuthority(), call.authority)
	require.Equal(t, sched.QueueAuthority, call.authority.Address)

	args := call.args
	require.Equal(t, uint16(1), args.ID)
	require.Equal(t, taskqueue.TriggerNow(), args.Trigger)
	require.NotNil(t, args.CrankReward)
	require.Equal(t, uint64(5_000_000), *args.CrankReward)
	require.Equal(t, uint8(0), args.FreeTasks)
	require.Equal(t, "interact_with_llm", args.Description)
	require.Equal(t, taskqueue.SourceCompiledV0, args.Transaction.Kind)

	instructions, err := args.Transaction.Compiled.Decompile()
	require.NoError(t, err)
	require.Len(t, instructions, 1)
	replay := instructions[0]
	require.Equal(t, DefaultProgramID, replay.ProgramID)
	keys := make([]ledger.PublicKey, 0, len(replay.Accounts))
	for _, meta := range replay.Accounts {
		keys = append(keys, meta.Key)
	}
	require.Equal(t, []ledger.PublicKey{
		h.payer, sched.Interaction, sched.Agent, accts.Context, oracle.DefaultProgramID, ledger.SystemProgramID,
	}, keys)

	var decoded interactArgs
	tag, err := ledger.DecodeInstruction(replay.Data, &decoded)
	require.NoError(t, err)
	require.Equal(t, ledger.InstructionTag("interact_agent"), tag)
	require.Equal(t, "hello", decoded.Text)

	expected, err := InteractInstruction(DefaultProgramID, h.deploy.InteractAccounts(h.payer, accts.Context), "hello")
	require.NoError(t, err)
	compiled, err := compiler.Compile([]ledger.Instruction{expected}, nil)
	require.NoError(t, err)
	want, err := compiled.Encode()
	require.NoError(t, err)
	got, err := args.Transaction.Compiled.Encode()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestScheduleSameTaskTwice(t *testing.T) {
	h := newHarness(t)
	accts := h.initialize(t)
	sched, err := h.deploy.ScheduleAccounts(h.payer, accts.Context, 3)
	require.NoError(t, err)
	ix, err := ScheduleInstruction(DefaultProgramID, sched, 3, "hello")
	require.NoError(t, err)

	require.NoError(t, h.execute(ix, h.payer))
	err = h.execute(ix, h.payer)
	require.Equal(t, xerrors.CodeDuplicateTask, xerrors.CodeOf(err))
	require.Len(t, h.queue.calls, 1)
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)
	accts := h.initialize(t)
	sched, err := h.deploy.ScheduleAccounts(h.payer, accts.Context, 0)
	require.NoError(t, err)

	wrongAuthority := sched
	wrongAuthority.QueueAuthority = ledger.PublicKey{3}
	ix, err := ScheduleInstruction(DefaultProgramID, wrongAuthority, 0, "hello")
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidAccount), "got %v", err)

	wrongContext, err := h.deploy.ScheduleAccounts(h.payer, ledger.PublicKey{4}, 0)
	require.NoError(t, err)
	ix, err = ScheduleInstruction(DefaultProgramID, wrongContext, 0, "hello")
	require.NoError(t, err)
	err = h.execute(ix, h.payer)
	require.True(t, xerrors.HasCode(err, xerrors.CodeContextMismatch), "got %v", err)

	ix, err = ScheduleInstruction(DefaultProgramID, sched, 0, "hello")
	require.NoError(t, err)
	err = h.execute(ix)
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)

	require.Empty(t, h.queue.calls)
}

func TestScheduleWrapsUnclassifiedQueueErrors(t *testing.T) {
	h := newHarness(t)
	accts := h.initialize(t)
	sched, err := h.deploy.ScheduleAccounts(h.payer, accts.Context, 0)
	require.NoError(t, err)
	ix, err := ScheduleInstruction(DefaultProgramID, sched, 0, "hello")
	require.NoError(t, err)

	h.queue.err = xerrors.New(xerrors.CodeInvalidArgument, "task id out of range")
	err = h.execute(ix, h.payer)
	require.Equal(t, xerrors.CodeDelegatedCall, xerrors.CodeOf(err))
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	h.queue.err = xerrors.New(xerrors.CodeInsufficientFunds, "payer is broke")
	err = h.execute(ix, h.payer)
	require.Equal(t, xerrors.CodeInsufficientFunds, xerrors.CodeOf(err))
}

func TestAgentEncoding(t *testing.T) {
	record := Agent{Context: ledger.PublicKey{1, 2, 3}}
	data := EncodeAgent(record)
	require.Len(t, data, 40)

	decoded, err := DecodeAgent(data)
	require.NoError(t, err)
	require.Equal(t, record, decoded)

	_, err = DecodeAgent(data[:39])
	require.Error(t, err)
	data[0] ^= 0xff
	_, err = DecodeAgent(data)
	require.Error(t, err)
}
