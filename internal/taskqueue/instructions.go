package taskqueue

import (
	"context"

	"scheduled-gpt-oracle/internal/compiler"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
)

var (
	tagInitializeQueue   = ledger.InstructionTag("initialize_task_queue_v0")
	tagAddQueueAuthority = ledger.InstructionTag("add_queue_authority_v0")
	tagQueueTask         = ledger.InstructionTag("queue_task_v0")
)

// QueueAuthoritySeed is the seed programs derive their queue authority from.
const QueueAuthoritySeed = "queue_authority"

// QueueAuthority is the signing capability a program presents when it
// enqueues: the derived address and the bump that proves it.
type QueueAuthority struct {
	Address ledger.PublicKey
	Bump    uint8
}

// DeriveQueueAuthority computes the queue authority owned by program. The
// result is a pure function of its input.
func DeriveQueueAuthority(program ledger.PublicKey) (QueueAuthority, error) {
	address, bump, err := ledger.FindProgramAddress([][]byte{[]byte(QueueAuthoritySeed)}, program)
	if err != nil {
		return QueueAuthority{}, err
	}
	return QueueAuthority{Address: address, Bump: bump}, nil
}

// SignerSeeds returns the seeds that prove the capability to the runtime.
func (a QueueAuthority) SignerSeeds() [][]byte {
	return [][]byte{[]byte(QueueAuthoritySeed), {a.Bump}}
}

// TransactionSourceKind identifies how a task carries its transaction.
type TransactionSourceKind uint8

const (
	// SourceCompiledV0 embeds a compiled transaction descriptor.
	SourceCompiledV0 TransactionSourceKind = iota
)

// TransactionSource is the replayable payload of a task.
type TransactionSource struct {
	Kind     TransactionSourceKind
	Compiled *compiler.CompiledTransaction
}

// CompiledV0 wraps a compiled descriptor as a task payload.
func CompiledV0(compiled *compiler.CompiledTransaction) TransactionSource {
	return TransactionSource{Kind: SourceCompiledV0, Compiled: compiled}
}

// QueueTaskArgs describes the task to enqueue. A nil CrankReward falls back
// to the queue minimum.
type QueueTaskArgs struct {
	ID          uint16
	Trigger     Trigger
	Transaction TransactionSource
	CrankReward *uint64
	FreeTasks   uint8
	Description string
}

// QueueTaskAccounts lists the accounts of queue_task_v0 other than the
// queue authority, which travels as a QueueAuthority.
type QueueTaskAccounts struct {
	Payer              ledger.PublicKey
	TaskQueue          ledger.PublicKey
	TaskQueueAuthority ledger.PublicKey
	Task               ledger.PublicKey
}

type queueTaskWire struct {
	ID             uint16
	Trigger        Trigger
	Transaction    []byte
	HasCrankReward bool
	CrankReward    uint64
	FreeTasks      uint8
	Description    string
}

type initializeQueueArgs struct {
	ID             uint32
	Name           string
	Capacity       uint16
	MinCrankReward uint64
}

// QueueTaskInstruction builds queue_task_v0.
func QueueTaskInstruction(programID ledger.PublicKey, accts QueueTaskAccounts, authority ledger.PublicKey, args QueueTaskArgs) (ledger.Instruction, error) {
	if args.Transaction.Kind != SourceCompiledV0 || args.Transaction.Compiled == nil {
		return ledger.Instruction{}, xerrors.New(xerrors.CodeInvalidArgument, "task needs a compiled transaction")
	}
	payload, err := args.Transaction.Compiled.Encode()
	if err != nil {
		return ledger.Instruction{}, err
	}
	wire := queueTaskWire{
		ID:          args.ID,
		Trigger:     args.Trigger,
		Transaction: payload,
		FreeTasks:   args.FreeTasks,
		Description: args.Description,
	}
	if args.CrankReward != nil {
		wire.HasCrankReward = true
		wire.CrankReward = *args.CrankReward
	}
	data, err := ledger.EncodeInstruction(tagQueueTask, wire)
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(accts.Payer, true),
			ledger.Readonly(authority, true),
			ledger.Writable(accts.TaskQueue, false),
			ledger.Readonly(accts.TaskQueueAuthority, false),
			ledger.Writable(accts.Task, false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// InitializeQueueInstruction builds initialize_task_queue_v0.
func InitializeQueueInstruction(programID, payer, updateAuthority ledger.PublicKey, cfg QueueConfig) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagInitializeQueue, initializeQueueArgs{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Capacity:       cfg.Capacity,
		MinCrankReward: cfg.MinCrankReward,
	})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(payer, true),
			ledger.Readonly(updateAuthority, true),
			ledger.Writable(QueueAddress(programID, cfg.ID), false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// AddQueueAuthorityInstruction builds add_queue_authority_v0.
func AddQueueAuthorityInstruction(programID, payer, updateAuthority, queue, authority ledger.PublicKey) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagAddQueueAuthority, struct{}{})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(payer, true),
			ledger.Readonly(updateAuthority, true),
			ledger.Readonly(authority, false),
			ledger.Readonly(queue, false),
			ledger.Writable(QueueAuthorityAddress(programID, queue, authority), false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// Client enqueues tasks from inside another program's invocation.
type Client struct {
	ProgramID ledger.PublicKey
}

// NewClient returns a Client for the queue program deployed at programID.
func NewClient(programID ledger.PublicKey) Client {
	return Client{ProgramID: programID}
}

// QueueTask signs for authority with its seeds and calls queue_task_v0.
func (c Client) QueueTask(ctx context.Context, inv *ledger.Invocation, accts QueueTaskAccounts, authority QueueAuthority, args QueueTaskArgs) error {
	ix, err := QueueTaskInstruction(c.ProgramID, accts, authority.Address, args)
	if err != nil {
		return err
	}
	return inv.InvokeSigned(ctx, ix, authority.SignerSeeds())
}
