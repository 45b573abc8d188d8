package oracle

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/queue"
	"scheduled-gpt-oracle/pkg/logger"
)

// Service 是进程内的对话预言机：它作为账本程序处理上下文与交互请求，
// 并在回复就绪后以自身身份签名回调发起方。
type Service struct {
	id           ledger.PublicKey
	runtime      *ledger.Runtime
	identity     ledger.PublicKey
	identityBump uint8
	pending      queue.Producer
	logger       *slog.Logger
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithPendingProducer 配置新交互提交后的通知队列。
func WithPendingProducer(producer queue.Producer) Option {
	return func(s *Service) {
		s.pending = producer
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService 创建预言机服务并注册到 runtime。
func NewService(programID ledger.PublicKey, runtime *ledger.Runtime, opts ...Option) *Service {
	identity, bump := IdentityAddress(programID)
	s := &Service{
		id:           programID,
		runtime:      runtime,
		identity:     identity,
		identityBump: bump,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("oracle")
	}
	runtime.Register(s)
	return s
}

// ID 实现 ledger.Program。
func (s *Service) ID() ledger.PublicKey {
	return s.id
}

// Identity 返回回调时使用的签名身份。
func (s *Service) Identity() ledger.PublicKey {
	return s.identity
}

// Process 实现 ledger.Program。
func (s *Service) Process(ctx context.Context, inv *ledger.Invocation) error {
	tag, err := ledger.InstructionTagOf(inv.Data)
	if err != nil {
		return err
	}
	switch tag {
	case tagInitialize:
		return s.initialize(inv)
	case tagCreateContext:
		var args createContextArgs
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return s.createContext(inv, args)
	case tagInteract:
		var args interactArgs
		if _, err := ledger.DecodeInstruction(inv.Data, &args); err != nil {
			return err
		}
		return s.interact(inv, args)
	default:
		return xerrors.New(xerrors.CodeInvalidInstruction, "unknown oracle instruction")
	}
}

// Initialize 创建计数器与身份账户，由部署方在启动时调用。
func (s *Service) Initialize(ctx context.Context, payer ledger.PublicKey) error {
	ix, err := InitializeInstruction(s.id, payer)
	if err != nil {
		return err
	}
	return s.runtime.Execute(ctx, ledger.Transaction{
		Instructions: []ledger.Instruction{ix},
		Signers:      []ledger.PublicKey{payer},
	})
}

func (s *Service) initialize(inv *ledger.Invocation) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	counter, err := inv.Account(1)
	if err != nil {
		return err
	}
	identity, err := inv.Account(2)
	if err != nil {
		return err
	}
	if counter.Key != CounterAddress(s.id) || identity.Key != s.identity {
		return xerrors.New(xerrors.CodeInvalidAccount, "counter or identity address mismatch")
	}
	exists, err := inv.Tx.Exists(counter.Key)
	if err != nil {
		return err
	}
	if exists {
		return xerrors.New(xerrors.CodeAlreadyInitialized, "oracle already initialized")
	}

	data := EncodeCounter(Counter{})
	acct, err := inv.Tx.Allocate(payer, counter.Key, s.id, len(data))
	if err != nil {
		return err
	}
	acct.Data = data
	inv.Tx.Put(counter.Key, acct)

	idAcct, err := inv.Tx.Allocate(payer, identity.Key, s.id, ledger.TagLength)
	if err != nil {
		return err
	}
	idAcct.Data = append([]byte(nil), identityTag[:]...)
	inv.Tx.Put(identity.Key, idAcct)
	return nil
}

func (s *Service) createContext(inv *ledger.Invocation, args createContextArgs) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	contextMeta, err := inv.Account(1)
	if err != nil {
		return err
	}
	counterMeta, err := inv.Account(2)
	if err != nil {
		return err
	}

	counterAcct, err := s.owned(inv.Tx, counterMeta.Key)
	if err != nil {
		return err
	}
	counter, err := DecodeCounter(counterAcct.Data)
	if err != nil {
		return err
	}
	if contextMeta.Key != ContextAddress(s.id, counter.Count) {
		return xerrors.New(xerrors.CodeInvalidAccount,
			fmt.Sprintf("context must be derived from counter value %d", counter.Count))
	}

	data, err := EncodeContext(ContextAccount{Text: args.Text})
	if err != nil {
		return err
	}
	acct, err := inv.Tx.Allocate(payer, contextMeta.Key, s.id, len(data))
	if err != nil {
		return err
	}
	acct.Data = data
	inv.Tx.Put(contextMeta.Key, acct)

	counterAcct.Data = EncodeCounter(Counter{Count: counter.Count + 1})
	inv.Tx.Put(counterMeta.Key, counterAcct)
	return nil
}

func (s *Service) interact(inv *ledger.Invocation, args interactArgs) error {
	payer, err := requireSigner(inv, 0, "payer")
	if err != nil {
		return err
	}
	interactionMeta, err := inv.Account(1)
	if err != nil {
		return err
	}
	contextMeta, err := inv.Account(2)
	if err != nil {
		return err
	}

	contextAcct, err := s.owned(inv.Tx, contextMeta.Key)
	if err != nil {
		return err
	}
	if _, err := DecodeContext(contextAcct.Data); err != nil {
		return err
	}
	if interactionMeta.Key != InteractionAddress(s.id, payer, contextMeta.Key) {
		return xerrors.New(xerrors.CodeInvalidAccount, "interaction address mismatch")
	}

	record := Interaction{
		Context:         contextMeta.Key,
		User:            payer,
		Text:            args.Text,
		CallbackProgram: args.CallbackProgram,
		CallbackTag:     args.CallbackTag,
		Status:          StatusCreated,
	}
	data, err := EncodeInteraction(record)
	if err != nil {
		return err
	}

	exists, err := inv.Tx.Exists(interactionMeta.Key)
	if err != nil {
		return err
	}
	if exists {
		if _, err := s.owned(inv.Tx, interactionMeta.Key); err != nil {
			return err
		}
		if err := inv.Tx.Resize(payer, interactionMeta.Key, len(data)); err != nil {
			return err
		}
	} else if _, err := inv.Tx.Allocate(payer, interactionMeta.Key, s.id, len(data)); err != nil {
		return err
	}

	record.Status = StatusPending
	if data, err = EncodeInteraction(record); err != nil {
		return err
	}
	acct, err := inv.Tx.Get(interactionMeta.Key)
	if err != nil {
		return err
	}
	acct.Data = data
	inv.Tx.Put(interactionMeta.Key, acct)

	key := interactionMeta.Key
	inv.Tx.AfterCommit(func() { s.notifyPending(key) })
	s.logger.Debug("interaction recorded",
		slog.String("interaction", key.String()),
		slog.String("payer", payer.String()),
		slog.Int("text_len", len(args.Text)))
	return nil
}

// Respond 将回复写回交互并以预言机身份调用回调入口；回调失败时整体回滚，交互保持待处理。
func (s *Service) Respond(ctx context.Context, interactionKey ledger.PublicKey, response string) error {
	return s.runtime.Run(ctx, s.id, nil, func(inv *ledger.Invocation) error {
		acct, err := s.owned(inv.Tx, interactionKey)
		if err != nil {
			return err
		}
		record, err := DecodeInteraction(acct.Data)
		if err != nil {
			return err
		}
		if record.Status != StatusPending {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("interaction %s is %s", interactionKey, record.Status))
		}
		record.Status = StatusCompleted
		if acct.Data, err = EncodeInteraction(record); err != nil {
			return err
		}
		inv.Tx.Put(interactionKey, acct)

		data, err := ledger.EncodeInstruction(record.CallbackTag, CallbackArgs{Response: response})
		if err != nil {
			return err
		}
		callback := ledger.Instruction{
			ProgramID: record.CallbackProgram,
			Accounts: []ledger.AccountMeta{
				ledger.Readonly(s.identity, true),
				ledger.Readonly(interactionKey, false),
			},
			Data: data,
		}
		if err := inv.InvokeSigned(ctx, callback, [][]byte{[]byte("identity"), {s.identityBump}}); err != nil {
			return err
		}
		logger.Audit().Info("oracle responded",
			slog.String("interaction", interactionKey.String()),
			slog.String("callback_program", record.CallbackProgram.String()))
		return nil
	})
}

// Interaction 读取已提交的交互记录。
func (s *Service) Interaction(ctx context.Context, key ledger.PublicKey) (Interaction, error) {
	acct, err := s.runtime.Account(ctx, key)
	if err != nil {
		return Interaction{}, err
	}
	if acct.Owner != s.id {
		return Interaction{}, xerrors.New(xerrors.CodeInvalidAccount, "account is not owned by the oracle")
	}
	return DecodeInteraction(acct.Data)
}

// Context 读取已提交的对话上下文。
func (s *Service) Context(ctx context.Context, key ledger.PublicKey) (ContextAccount, error) {
	acct, err := s.runtime.Account(ctx, key)
	if err != nil {
		return ContextAccount{}, err
	}
	if acct.Owner != s.id {
		return ContextAccount{}, xerrors.New(xerrors.CodeInvalidAccount, "account is not owned by the oracle")
	}
	return DecodeContext(acct.Data)
}

// Counter 读取已提交的上下文计数器。
func (s *Service) Counter(ctx context.Context) (Counter, error) {
	acct, err := s.runtime.Account(ctx, CounterAddress(s.id))
	if err != nil {
		return Counter{}, err
	}
	return DecodeCounter(acct.Data)
}

func (s *Service) notifyPending(key ledger.PublicKey) {
	if s.pending == nil {
		return
	}
	if err := s.pending.Publish(context.Background(), key.String()); err != nil {
		s.logger.Warn("publish pending interaction failed",
			slog.String("interaction", key.String()),
			slog.Any("error", err))
	}
}

func (s *Service) owned(tx *ledger.Txn, key ledger.PublicKey) (*ledger.Account, error) {
	acct, err := tx.Get(key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return nil, xerrors.Wrap(xerrors.CodeInvalidAccount, err, fmt.Sprintf("oracle account %s does not exist", key))
		}
		return nil, err
	}
	if acct.Owner != s.id {
		return nil, xerrors.New(xerrors.CodeInvalidAccount, fmt.Sprintf("account %s is not owned by the oracle", key))
	}
	return acct, nil
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
