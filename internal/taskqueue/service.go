package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scheduled-gpt-oracle/internal/compiler"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/queue"
	"scheduled-gpt-oracle/pkg/logger"
)

// QueueConfig 描述一个任务队列的参数。
type QueueConfig struct {
	ID             uint32
	Name           string
	Capacity       uint16
	MinCrankReward uint64
}

// Service 是进程内的任务队列程序：登记任务、托管奖励，并由 crank 回放到期任务。
type Service struct {
	id      ledger.PublicKey
	runtime *ledger.Runtime
	tasks   queue.Producer
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithTaskProducer 配置任务入队提交后的通知队列。
func WithTaskProducer(producer queue.Producer) Option {
	return func(s *Service) {
		s.tasks = producer
	}
}

// WithClock 替换时间来源，便于测试定时触发。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService 创建任务队列服务并注册到 runtime。
func NewService(programID ledger.PublicKey, runtime *ledger.Runtime, opts ...Option) *Service {
	s := &Service{id: programID, runtime: runtime, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("taskqueue")
	}
	runtime.Register(s)
	return s
}

// ID 实现 ledger.Program。
func (s *Service) ID() ledger.PublicKey {
	return s.id
}

// Process 实现 ledger.Program。
func (s *Service) Process(ctx context.Context, inv *ledger.Invocation) error {
	tag, err := ledger.InstructionTagOf(inv.Data)
	if err != nil {
		return err
	}
	switch tag {
	case tagInitializeQueue:
		var args initializeQueueArgs
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return s.initializeQueue(inv, args)
	case tagAddQueueAuthority:
		return s.addQueueAuthority(inv)
	case tagQueueTask:
		var args queueTaskWire
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return s.queueTask(inv, args)
	default:
		return xerrors.New(xerrors.CodeInvalidInstruction, "unknown task queue instruction")
	}
}

// CreateQueue 创建任务队列，返回队列地址。
func (s *Service) CreateQueue(ctx context.Context, payer, updateAuthority ledger.PublicKey, cfg QueueConfig) (ledger.PublicKey, error) {
	ix, err := InitializeQueueInstruction(s.id, payer, updateAuthority, cfg)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	err = s.runtime.Execute(ctx, ledger.Transaction{
		Instructions: []ledger.Instruction{ix},
		Signers:      []ledger.PublicKey{payer, updateAuthority},
	})
	if err != nil {
		return ledger.PublicKey{}, err
	}
	return QueueAddress(s.id, cfg.ID), nil
}

// AddQueueAuthority 允许 authority 向队列提交任务。
func (s *Service) AddQueueAuthority(ctx context.Context, payer, updateAuthority, queueKey, authority ledger.PublicKey) error {
	ix, err := AddQueueAuthorityInstruction(s.id, payer, updateAuthority, queueKey, authority)
	if err != nil {
		return err
	}
	return s.runtime.Execute(ctx, ledger.Transaction{
		Instructions: []ledger.Instruction{ix},
		Signers:      []ledger.PublicKey{payer, updateAuthority},
	})
}

// Queue 读取已提交的队列状态。
func (s *Service) Queue(ctx context.Context, key ledger.PublicKey) (TaskQueue, error) {
	acct, err := s.runtime.Account(ctx, key)
	if err != nil {
		return TaskQueue{}, err
	}
	if acct.Owner != s.id {
		return TaskQueue{}, xerrors.New(xerrors.CodeInvalidAccount, "account is not a task queue")
	}
	return DecodeQueue(acct.Data)
}

// Task 读取已提交的任务。
func (s *Service) Task(ctx context.Context, key ledger.PublicKey) (Task, error) {
	acct, err := s.runtime.Account(ctx, key)
	if err != nil {
		return Task{}, err
	}
	if acct.Owner != s.id {
		return Task{}, xerrors.New(xerrors.CodeInvalidAccount, "account is not a task")
	}
	return DecodeTask(acct.Data)
}

// IsQueueAuthority 报告 authority 是否已在队列登记。
func (s *Service) IsQueueAuthority(ctx context.Context, queueKey, authority ledger.PublicKey) (bool, error) {
	_, err := s.runtime.Account(ctx, QueueAuthorityAddress(s.id, queueKey, authority))
	if err == nil {
		return true, nil
	}
	if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Service) initializeQueue(inv *ledger.Invocation, args initializeQueueArgs) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	updateAuthority, err := requireSigner(inv, 1, "update authority")
	if err != nil {
		return err
	}
	queueMeta, err := inv.Account(2)
	if err != nil {
		return err
	}
	if queueMeta.Key != QueueAddress(s.id, args.ID) {
		return xerrors.New(xerrors.CodeInvalidAccount, "task queue address mismatch")
	}
	if args.Capacity == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "task queue capacity must be positive")
	}

	data, err := EncodeQueue(TaskQueue{
		ID:              args.ID,
		Name:            args.Name,
		Capacity:        args.Capacity,
		MinCrankReward:  args.MinCrankReward,
		UpdateAuthority: updateAuthority,
		Bitmap:          make([]byte, (int(args.Capacity)+7)/8),
	})
	if err != nil {
		return err
	}
	acct, err := inv.Tx.Allocate(payer, queueMeta.Key, s.id, len(data))
	if err != nil {
		return err
	}
	acct.Data = data
	inv.Tx.Put(queueMeta.Key, acct)
	return nil
}

func (s *Service) addQueueAuthority(inv *ledger.Invocation) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	updateAuthority, err := requireSigner(inv, 1, "update authority")
	if err != nil {
		return err
	}
	authorityMeta, err := inv.Account(2)
	if err != nil {
		return err
	}
	queueMeta, err := inv.Account(3)
	if err != nil {
		return err
	}
	registrationMeta, err := inv.Account(4)
	if err != nil {
		return err
	}

	tq, _, err := s.loadQueue(inv.Tx, queueMeta.Key)
	if err != nil {
		return err
	}
	if tq.UpdateAuthority != updateAuthority {
		return xerrors.New(xerrors.CodeAuthorization, "only the queue update authority can add queue authorities")
	}
	if registrationMeta.Key != QueueAuthorityAddress(s.id, queueMeta.Key, authorityMeta.Key) {
		return xerrors.New(xerrors.CodeInvalidAccount, "queue authority registration address mismatch")
	}

	data, err := encodeQueueAuthority(QueueAuthorityRecord{Queue: queueMeta.Key, Authority: authorityMeta.Key})
	if err != nil {
		return err
	}
	acct, err := inv.Tx.Allocate(payer, registrationMeta.Key, s.id, len(data))
	if err != nil {
		return err
	}
	acct.Data = data
	inv.Tx.Put(registrationMeta.Key, acct)
	return nil
}

func (s *Service) queueTask(inv *ledger.Invocation, args queueTaskWire) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	authority, err := requireSigner(inv, 1, "queue authority")
	if err != nil {
		return err
	}
	queueMeta, err := inv.Account(2)
	if err != nil {
		return err
	}
	registrationMeta, err := inv.Account(3)
	if err != nil {
		return err
	}
	taskMeta, err := inv.Account(4)
	if err != nil {
		return err
	}

	// 校验队列与授权登记。
	tq, queueAcct, err := s.loadQueue(inv.Tx, queueMeta.Key)
	if err != nil {
		return err
	}
	if registrationMeta.Key != QueueAuthorityAddress(s.id, queueMeta.Key, authority) {
		return xerrors.New(xerrors.CodeAuthorization, "queue authority registration address mismatch")
	}
	registration, err := inv.Tx.Get(registrationMeta.Key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return xerrors.New(xerrors.CodeAuthorization, fmt.Sprintf("queue authority %s is not registered", authority))
		}
		return err
	}
	if registration.Owner != s.id {
		return xerrors.New(xerrors.CodeAuthorization, "queue authority registration is not owned by the queue program")
	}
	if _, err := decodeQueueAuthority(registration.Data); err != nil {
		return err
	}

	// 校验任务编号与奖励。
	if args.ID >= tq.Capacity {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("task id %d exceeds queue capacity %d", args.ID, tq.Capacity))
	}
	if tq.InUse(args.ID) {
		return xerrors.New(xerrors.CodeDuplicateTask,
			fmt.Sprintf("task id %d is already queued on %s", args.ID, queueMeta.Key),
			xerrors.WithMetadata("task_id", fmt.Sprint(args.ID)))
	}
	if taskMeta.Key != TaskAddress(s.id, queueMeta.Key, args.ID) {
		return xerrors.New(xerrors.CodeInvalidAccount, "task address mismatch")
	}
	reward := tq.MinCrankReward
	if args.HasCrankReward {
		reward = args.CrankReward
	}
	if reward < tq.MinCrankReward {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("crank reward %d is below queue minimum %d", reward, tq.MinCrankReward))
	}
	if _, err := compiler.Decode(args.Transaction); err != nil {
		return err
	}

	// 分配任务账户并托管奖励。
	data, err := EncodeTask(Task{
		Queue:       queueMeta.Key,
		ID:          args.ID,
		Payer:       payer,
		Trigger:     args.Trigger,
		Transaction: args.Transaction,
		CrankReward: reward,
		FreeTasks:   args.FreeTasks,
		Description: args.Description,
		QueuedAt:    uint64(s.now().Unix()),
	})
	if err != nil {
		return err
	}
	taskAcct, err := inv.Tx.Allocate(payer, taskMeta.Key, s.id, len(data))
	if err != nil {
		return err
	}
	taskAcct.Data = data
	inv.Tx.Put(taskMeta.Key, taskAcct)
	if err := inv.Tx.Transfer(payer, taskMeta.Key, reward); err != nil {
		return err
	}

	tq.setBit(args.ID, true)
	if queueAcct.Data, err = EncodeQueue(tq); err != nil {
		return err
	}
	inv.Tx.Put(queueMeta.Key, queueAcct)

	key := taskMeta.Key
	inv.Tx.AfterCommit(func() { s.publish(context.Background(), key) })
	s.logger.Debug("task queued",
		slog.String("task", key.String()),
		slog.Uint64("task_id", uint64(args.ID)),
		slog.String("trigger", args.Trigger.String()),
		slog.Uint64("crank_reward", reward))
	return nil
}

// RunTask 回放到期任务：以任务付款人的授权执行其指令，向 crank 支付奖励并关闭任务。
// 回放失败时整体回滚，任务保持排队状态。
func (s *Service) RunTask(ctx context.Context, taskKey, crank ledger.PublicKey) error {
	return s.runtime.Run(ctx, s.id, nil, func(inv *ledger.Invocation) error {
		taskAcct, err := inv.Tx.Get(taskKey)
		if err != nil {
			return err
		}
		if taskAcct.Owner != s.id {
			return xerrors.New(xerrors.CodeInvalidAccount, "account is not a task")
		}
		task, err := DecodeTask(taskAcct.Data)
		if err != nil {
			return err
		}
		now := s.now()
		if !task.Trigger.Due(now) {
			return xerrors.New(CodeTaskNotDue,
				fmt.Sprintf("task %s fires in %s", taskKey, task.Trigger.Until(now)),
				xerrors.WithMetadata("fires_at", fmt.Sprint(task.Trigger.At)))
		}

		compiled, err := compiler.Decode(task.Transaction)
		if err != nil {
			return err
		}
		instructions, err := compiled.Decompile()
		if err != nil {
			return err
		}
		for _, ix := range instructions {
			if err := inv.InvokeAuthorized(ctx, ix, []ledger.PublicKey{task.Payer}); err != nil {
				return err
			}
		}

		if err := inv.Tx.Transfer(taskKey, crank, task.CrankReward); err != nil {
			return err
		}
		if err := inv.Tx.Close(taskKey, task.Payer); err != nil {
			return err
		}

		tq, queueAcct, err := s.loadQueue(inv.Tx, task.Queue)
		if err != nil {
			return err
		}
		tq.setBit(task.ID, false)
		if queueAcct.Data, err = EncodeQueue(tq); err != nil {
			return err
		}
		inv.Tx.Put(task.Queue, queueAcct)

		inv.Tx.AfterCommit(func() {
			logger.Audit().Info("task executed",
				slog.String("task", taskKey.String()),
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("description", task.Description),
				slog.String("crank", crank.String()),
				slog.Uint64("crank_reward", task.CrankReward))
		})
		return nil
	})
}

// PendingTasks 列出队列中仍在排队的任务地址。
func (s *Service) PendingTasks(ctx context.Context, queueKey ledger.PublicKey) ([]ledger.PublicKey, error) {
	tq, err := s.Queue(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	ids := tq.UsedIDs()
	keys := make([]ledger.PublicKey, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, TaskAddress(s.id, queueKey, id))
	}
	return keys, nil
}

func (s *Service) publish(ctx context.Context, key ledger.PublicKey) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.Publish(ctx, key.String()); err != nil {
		s.logger.Warn("publish task failed", slog.String("task", key.String()), slog.Any("error", err))
	}
}

func (s *Service) loadQueue(tx *ledger.Txn, key ledger.PublicKey) (TaskQueue, *ledger.Account, error) {
	acct, err := tx.Get(key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return TaskQueue{}, nil, xerrors.Wrap(xerrors.CodeInvalidAccount, err, fmt.Sprintf("task queue %s does not exist", key))
		}
		return TaskQueue{}, nil, err
	}
	if acct.Owner != s.id {
		return TaskQueue{}, nil, xerrors.New(xerrors.CodeInvalidAccount, fmt.Sprintf("account %s is not a task queue", key))
	}
	tq, err := DecodeQueue(acct.Data)
	if err != nil {
		return TaskQueue{}, nil, err
	}
	return tq, acct, nil
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

var _ ledger.Program = (*Service)(nil)
