package agent

import (
	"context"
	"fmt"
	"log/slog"

	"scheduled-gpt-oracle/internal/compiler"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
	"scheduled-gpt-oracle/pkg/logger"
)

// OracleClient 是智能体委托的对话预言机。
type OracleClient interface {
	CreateContext(ctx context.Context, inv *ledger.Invocation, accts oracle.CreateContextAccounts, description string) error
	Interact(ctx context.Context, inv *ledger.Invocation, accts oracle.InteractAccounts, req oracle.InteractRequest) error
}

// QueueClient 是定时任务使用的任务队列。
type QueueClient interface {
	QueueTask(ctx context.Context, inv *ledger.Invocation, accts taskqueue.QueueTaskAccounts, authority taskqueue.QueueAuthority, args taskqueue.QueueTaskArgs) error
}

// Response 是预言机回调送达的一次回复。
type Response struct {
	Identity    ledger.PublicKey
	Interaction ledger.PublicKey
	Text        string
}

// ResponseHandler 接收通过认证的回复。返回错误会使回调失败。
type ResponseHandler interface {
	HandleResponse(ctx context.Context, resp Response) error
}

// ResponseHandlerFunc 将函数适配为 ResponseHandler。
type ResponseHandlerFunc func(ctx context.Context, resp Response) error

// HandleResponse 实现 ResponseHandler。
func (f ResponseHandlerFunc) HandleResponse(ctx context.Context, resp Response) error {
	return f(ctx, resp)
}

// Config 描述智能体程序及其协作程序的地址，零值使用默认部署。
type Config struct {
	ProgramID       ledger.PublicKey
	OracleProgramID ledger.PublicKey
	QueueProgramID  ledger.PublicKey
	// TrustedIdentities 是进程外预言机投递回调时使用的签名密钥。
	TrustedIdentities []ledger.PublicKey
}

// Program 是智能体程序，是系统的业务核心。
type Program struct {
	id             ledger.PublicKey
	oracleID       ledger.PublicKey
	queueID        ledger.PublicKey
	queueAuthority taskqueue.QueueAuthority
	trusted        map[ledger.PublicKey]struct{}

	oracle  OracleClient
	tasks   QueueClient
	handler ResponseHandler
	logger  *slog.Logger
}

// Option 定义可选的 Program 配置。
type Option func(*Program)

// WithResponseHandler 配置回复的处理方式，默认仅记录日志。
func WithResponseHandler(h ResponseHandler) Option {
	return func(p *Program) {
		if h != nil {
			p.handler = h
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Program) {
		p.logger = l
	}
}

// New 创建智能体程序。
func New(cfg Config, oracleClient OracleClient, queueClient QueueClient, opts ...Option) (*Program, error) {
	if oracleClient == nil || queueClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent requires oracle and queue clients")
	}
	if cfg.ProgramID.IsZero() {
		cfg.ProgramID = DefaultProgramID
	}
	if cfg.OracleProgramID.IsZero() {
		cfg.OracleProgramID = oracle.DefaultProgramID
	}
	if cfg.QueueProgramID.IsZero() {
		cfg.QueueProgramID = taskqueue.DefaultProgramID
	}
	authority, err := taskqueue.DeriveQueueAuthority(cfg.ProgramID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "derive queue authority")
	}

	p := &Program{
		id:             cfg.ProgramID,
		oracleID:       cfg.OracleProgramID,
		queueID:        cfg.QueueProgramID,
		queueAuthority: authority,
		trusted:        make(map[ledger.PublicKey]struct{}, len(cfg.TrustedIdentities)),
		oracle:         oracleClient,
		tasks:          queueClient,
	}
	for _, key := range cfg.TrustedIdentities {
		p.trusted[key] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("agent")
	}
	if p.handler == nil {
		p.handler = ResponseHandlerFunc(p.logResponse)
	}
	return p, nil
}

// ID 实现 ledger.Program。
func (p *Program) ID() ledger.PublicKey {
	return p.id
}

// QueueAuthority 返回程序提交任务时使用的签名能力。
func (p *Program) QueueAuthority() taskqueue.QueueAuthority {
	return p.queueAuthority
}

// Deployment 返回以 taskQueue 为目标队列的部署描述。
func (p *Program) Deployment(taskQueue ledger.PublicKey) Deployment {
	return Deployment{
		ProgramID:       p.id,
		OracleProgramID: p.oracleID,
		QueueProgramID:  p.queueID,
		TaskQueue:       taskQueue,
	}
}

// Process 实现 ledger.Program，按指令标签分发到各入口。
func (p *Program) Process(ctx context.Context, inv *ledger.Invocation) error {
	tag, err := ledger.InstructionTagOf(inv.Data)
	if err != nil {
		return err
	}
	switch tag {
	case tagInitialize:
		return p.initialize(ctx, inv)
	case tagInteract:
		var args interactArgs
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return p.interact(ctx, inv, args.Text)
	case CallbackTag:
		var args oracle.CallbackArgs
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return p.callback(ctx, inv, args.Response)
	case tagSchedule:
		var args scheduleArgs
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return p.schedule(ctx, inv, args.TaskID, args.Text)
	default:
		return xerrors.New(xerrors.CodeInvalidInstruction, "unknown agent instruction")
	}
}

func (p *Program) initialize(ctx context.Context, inv *ledger.Invocation) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	agentMeta, err := inv.Account(1)
	if err != nil {
		return err
	}
	contextMeta, err := inv.Account(2)
	if err != nil {
		return err
	}
	counterMeta, err := inv.Account(3)
	if err != nil {
		return err
	}
	if err := p.requireOracle(inv, 5); err != nil {
		return err
	}
	if agentMeta.Key != Address(p.id) {
		return xerrors.New(xerrors.CodeInvalidAccount, "agent account must be the program's agent address")
	}

	exists, err := inv.Tx.Exists(agentMeta.Key)
	if err != nil {
		return err
	}
	if exists {
		return xerrors.New(xerrors.CodeAlreadyInitialized, fmt.Sprintf("agent %s already exists", agentMeta.Key))
	}
	acct, err := inv.Tx.Allocate(payer, agentMeta.Key, p.id, AccountSpace)
	if err != nil {
		return err
	}
	acct.Data = EncodeAgent(Agent{Context: contextMeta.Key})
	inv.Tx.Put(agentMeta.Key, acct)

	err = p.oracle.CreateContext(ctx, inv, oracle.CreateContextAccounts{
		Payer:   payer,
		Context: contextMeta.Key,
		Counter: counterMeta.Key,
	}, Description)
	if err != nil {
		return delegated(err, "create oracle context")
	}
	p.logger.Debug("agent initialized",
		slog.String("agent", agentMeta.Key.String()),
		slog.String("context", contextMeta.Key.String()))
	return nil
}

func (p *Program) interact(ctx context.Context, inv *ledger.Invocation, text string) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	interactionMeta, err := inv.Account(1)
	if err != nil {
		return err
	}
	contextKey, err := p.boundContext(inv, 2, 3)
	if err != nil {
		return err
	}
	if err := p.requireOracle(inv, 4); err != nil {
		return err
	}

	err = p.oracle.Interact(ctx, inv, oracle.InteractAccounts{
		Payer:       payer,
		Interaction: interactionMeta.Key,
		Context:     contextKey,
	}, oracle.InteractRequest{
		Text:            text,
		CallbackProgram: p.id,
		CallbackTag:     CallbackTag,
	})
	if err != nil {
		return delegated(err, "submit oracle interaction")
	}
	p.logger.Debug("interaction submitted",
		slog.String("interaction", interactionMeta.Key.String()),
		slog.Int("text_len", len(text)))
	return nil
}

func (p *Program) callback(ctx context.Context, inv *ledger.Invocation, response string) error {
	if len(inv.Accounts) == 0 || !inv.Accounts[0].IsSigner {
		return xerrors.New(xerrors.CodeAuthorization, "callback identity must sign")
	}
	if err := p.requireIdentity(inv, inv.Accounts[0].Key); err != nil {
		return err
	}
	resp := Response{Identity: inv.Accounts[0].Key, Text: response}
	if len(inv.Accounts) > 1 {
		resp.Interaction = inv.Accounts[1].Key
	}
	return p.handler.HandleResponse(ctx, resp)
}

func (p *Program) schedule(ctx context.Context, inv *ledger.Invocation, taskID uint16, text string) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	interactionMeta, err := inv.Account(1)
	if err != nil {
		return err
	}
	agentMeta, err := inv.Account(2)
	if err != nil {
		return err
	}
	contextKey, err := p.boundContext(inv, 2, 3)
	if err != nil {
		return err
	}
	accounts := make([]ledger.AccountMeta, 0, 5)
	for i := 4; i <= 8; i++ {
		meta, err := inv.Account(i)
		if err != nil {
			return err
		}
		accounts = append(accounts, meta)
	}
	taskQueue, queueTaskAuthority, task, queueAuthority, queueProgram := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4]
	if queueAuthority.Key != p.queueAuthority.Address {
		return xerrors.New(xerrors.CodeInvalidAccount, "queue authority must be the program's queue_authority address")
	}
	if queueProgram.Key != p.queueID {
		return xerrors.New(xerrors.CodeDelegatedCall,
			fmt.Sprintf("task queue program %s is not the configured %s", queueProgram.Key, p.queueID))
	}

	ix, err := InteractInstruction(p.id, InteractAccounts{
		Payer:       payer,
		Interaction: interactionMeta.Key,
		Agent:       agentMeta.Key,
		Context:     contextKey,
		Oracle:      p.oracleID,
	}, text)
	if err != nil {
		return err
	}
	compiled, err := compiler.Compile([]ledger.Instruction{ix}, nil)
	if err != nil {
		return err
	}

	reward := ScheduledCrankReward
	err = p.tasks.QueueTask(ctx, inv, taskqueue.QueueTaskAccounts{
		Payer:              payer,
		TaskQueue:          taskQueue.Key,
		TaskQueueAuthority: queueTaskAuthority.Key,
		Task:               task.Key,
	}, p.queueAuthority, taskqueue.QueueTaskArgs{
		ID:          taskID,
		Trigger:     taskqueue.TriggerNow(),
		Transaction: taskqueue.CompiledV0(compiled),
		CrankReward: &reward,
		FreeTasks:   ScheduledFreeTasks,
		Description: ScheduledDescription,
	})
	if err != nil {
		return delegated(err, "queue task")
	}
	p.logger.Debug("task scheduled",
		slog.Uint64("task_id", uint64(taskID)),
		slog.String("task", task.Key.String()),
		slog.String("task_queue", taskQueue.Key.String()))
	return nil
}

// boundContext 读取智能体记录并校验传入的上下文账户与之一致。
func (p *Program) boundContext(inv *ledger.Invocation, agentIdx, contextIdx int) (ledger.PublicKey, error) {
	agentMeta, err := inv.Account(agentIdx)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	contextMeta, err := inv.Account(contextIdx)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	if agentMeta.Key != Address(p.id) {
		return ledger.PublicKey{}, xerrors.New(xerrors.CodeInvalidAccount, "agent account must be the program's agent address")
	}
	acct, err := inv.Tx.Get(agentMeta.Key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return ledger.PublicKey{}, xerrors.Wrap(xerrors.CodeInvalidAccount, err, "agent is not initialized")
		}
		return ledger.PublicKey{}, err
	}
	if acct.Owner != p.id {
		return ledger.PublicKey{}, xerrors.New(xerrors.CodeInvalidAccount, "agent account is not owned by the agent program")
	}
	record, err := DecodeAgent(acct.Data)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	if contextMeta.Key != record.Context {
		return ledger.PublicKey{}, xerrors.New(xerrors.CodeContextMismatch,
			fmt.Sprintf("context %s is not the agent context %s", contextMeta.Key, record.Context),
			xerrors.WithMetadata("agent_context", record.Context.String()))
	}
	return record.Context, nil
}

// requireIdentity 只接受预言机程序持有的身份账户或配置的外部预言机密钥。
func (p *Program) requireIdentity(inv *ledger.Invocation, key ledger.PublicKey) error {
	if _, ok := p.trusted[key]; ok {
		return nil
	}
	if identity, _ := oracle.IdentityAddress(p.oracleID); key == identity {
		acct, err := inv.Tx.Get(key)
		if err != nil && !xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return err
		}
		if err == nil && oracle.IsIdentity(acct, p.oracleID) {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeAuthorization,
		fmt.Sprintf("callback identity %s is not the oracle identity", key))
}

func (p *Program) requireOracle(inv *ledger.Invocation, index int) error {
	meta, err := inv.Account(index)
	if err != nil {
		return err
	}
	if meta.Key != p.oracleID {
		return xerrors.New(xerrors.CodeDelegatedCall,
			fmt.Sprintf("oracle program %s is not the configured %s", meta.Key, p.oracleID))
	}
	return nil
}

func (p *Program) logResponse(_ context.Context, resp Response) error {
	p.logger.Info("agent response",
		slog.String("identity", resp.Identity.String()),
		slog.String("interaction", resp.Interaction.String()),
		slog.String("response", resp.Text))
	return nil
}

// delegated 保留协作程序已分类的错误，其余包装为委托调用失败。
func delegated(err error, op string) error {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeDuplicateTask,
		xerrors.CodeInsufficientFunds,
		xerrors.CodeAuthorization,
		xerrors.CodeCompilation,
		xerrors.CodeStorageFailure,
		xerrors.CodeDelegatedCall:
		return err
	}
	return xerrors.Wrap(xerrors.CodeDelegatedCall, err, op)
}

func requireSigner(inv *ledger.Invocation, index int, role string) (ledger.PublicKey, error) {
	meta, err := inv.Account(index)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	if !meta.IsSigner {
		return ledger.PublicKey{}, xerrors.New(xerrors.CodeAuthorization, fmt.Sprintf("%s %s must sign", role, meta.Key))
	}
	return meta.Key, nil
}

var _ ledger.Program = (*Program)(nil)
