package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/pkg/logger"
)

// maxInvokeDepth bounds nested cross-program calls.
const maxInvokeDepth = 4

// Program is an entry point registered on the Runtime.
type Program interface {
	ID() PublicKey
	Process(ctx context.Context, inv *Invocation) error
}

// Runtime executes transactions against a Store. Transactions run one at a
// time; each either commits every staged change or none.
type Runtime struct {
	store Store
	log   *slog.Logger

	execMu sync.Mutex

	mu       sync.RWMutex
	programs map[PublicKey]Program
}

// NewRuntime creates a runtime over store.
func NewRuntime(store Store) *Runtime {
	return &Runtime{
		store:    store,
		log:      logger.Named("ledger"),
		programs: make(map[PublicKey]Program),
	}
}

// Register makes programs callable by ID.
func (r *Runtime) Register(programs ...Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range programs {
		if p != nil {
			r.programs[p.ID()] = p
		}
	}
}

// Account reads committed state.
func (r *Runtime) Account(ctx context.Context, key PublicKey) (*Account, error) {
	return r.store.Load(ctx, key)
}

// Execute runs every instruction of tx inside one transactional scope.
func (r *Runtime) Execute(ctx context.Context, tx Transaction) error {
	if len(tx.Instructions) == 0 {
		return xerrors.New(xerrors.CodeInvalidInstruction, "transaction has no instructions")
	}
	signers := make(map[PublicKey]struct{}, len(tx.Signers))
	for _, key := range tx.Signers {
		signers[key] = struct{}{}
	}
	return r.run(ctx, func(txn *Txn) error {
		for _, key := range tx.Signers {
			if err := requireWallet(txn, key); err != nil {
				return err
			}
		}
		for _, ix := range tx.Instructions {
			if err := r.dispatch(ctx, txn, ix, signers, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// requireWallet rejects transaction signers held by a program. Program
// accounts only gain signer privilege through InvokeSigned.
func requireWallet(txn *Txn, key PublicKey) error {
	acct, err := txn.Get(key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return nil
		}
		return err
	}
	if acct.Owner != SystemProgramID {
		return xerrors.New(xerrors.CodeAuthorization,
			fmt.Sprintf("account %s is owned by program %s and cannot sign a transaction", key, acct.Owner))
	}
	return nil
}

// Run executes fn as a top-level frame of programID. Services use it for
// privileged host operations (queue administration, crank turns, oracle
// responses) that must share the all-or-nothing contract.
func (r *Runtime) Run(ctx context.Context, programID PublicKey, signers []PublicKey, fn func(inv *Invocation) error) error {
	privileged := make(map[PublicKey]struct{}, len(signers))
	for _, key := range signers {
		privileged[key] = struct{}{}
	}
	return r.run(ctx, func(txn *Txn) error {
		inv := &Invocation{
			Tx:        txn,
			ProgramID: programID,
			runtime:   r,
			signers:   privileged,
		}
		return fn(inv)
	})
}

func (r *Runtime) run(ctx context.Context, body func(txn *Txn) error) error {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	txID := uuid.NewString()
	txn := newTxn(ctx, r.store)
	if err := body(txn); err != nil {
		txn.discard()
		r.log.Debug("transaction rolled back",
			slog.String("tx_id", txID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return err
	}
	if err := txn.commit(); err != nil {
		r.log.Error("transaction commit failed", slog.String("tx_id", txID), slog.Any("error", err))
		return err
	}
	r.log.Debug("transaction committed", slog.String("tx_id", txID))
	return nil
}

func (r *Runtime) dispatch(ctx context.Context, txn *Txn, ix Instruction, privileged map[PublicKey]struct{}, depth int) error {
	if depth > maxInvokeDepth {
		return xerrors.New(xerrors.CodeInvalidInstruction, "cross-program invocation too deep")
	}
	r.mu.RLock()
	program, ok := r.programs[ix.ProgramID]
	r.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeInvalidInstruction, fmt.Sprintf("program %s is not registered", ix.ProgramID))
	}

	metas := make([]AccountMeta, len(ix.Accounts))
	frameSigners := make(map[PublicKey]struct{})
	for i, meta := range ix.Accounts {
		_, verified := privileged[meta.Key]
		meta.IsSigner = meta.IsSigner && verified
		if meta.IsSigner {
			frameSigners[meta.Key] = struct{}{}
		}
		metas[i] = meta
	}

	inv := &Invocation{
		Tx:        txn,
		ProgramID: ix.ProgramID,
		Accounts:  metas,
		Data:      append([]byte(nil), ix.Data...),
		runtime:   r,
		signers:   frameSigners,
		depth:     depth,
	}
	return program.Process(ctx, inv)
}

// Invocation is the view a program gets of the instruction it is executing.
// Account signer flags have already been reduced to verified privileges.
type Invocation struct {
	Tx        *Txn
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte

	runtime *Runtime
	signers map[PublicKey]struct{}
	depth   int
}

// IsSigner reports whether key holds signer privilege in this frame.
func (inv *Invocation) IsSigner(key PublicKey) bool {
	_, ok := inv.signers[key]
	return ok
}

// Account returns the account meta at position i.
func (inv *Invocation) Account(i int) (AccountMeta, error) {
	if i < 0 || i >= len(inv.Accounts) {
		return AccountMeta{}, xerrors.New(xerrors.CodeInvalidAccount,
			fmt.Sprintf("instruction expects account #%d, got %d accounts", i, len(inv.Accounts)))
	}
	return inv.Accounts[i], nil
}

// Invoke calls another program, forwarding this frame's signer privileges.
func (inv *Invocation) Invoke(ctx context.Context, ix Instruction) error {
	return inv.invoke(ctx, ix, nil)
}

// InvokeSigned calls another program and additionally signs for every
// program address of the calling program proven by signerSeeds.
func (inv *Invocation) InvokeSigned(ctx context.Context, ix Instruction, signerSeeds ...[][]byte) error {
	extra := make([]PublicKey, 0, len(signerSeeds))
	for _, seeds := range signerSeeds {
		key, err := CreateProgramAddress(seeds, inv.ProgramID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeAuthorization, err, "invalid signer seeds")
		}
		extra = append(extra, key)
	}
	return inv.invoke(ctx, ix, extra)
}

// InvokeAuthorized calls another program granting signer privilege to keys
// whose authorization the calling program has already established, such as
// the payer that signed an enqueued task.
func (inv *Invocation) InvokeAuthorized(ctx context.Context, ix Instruction, authorized []PublicKey) error {
	return inv.invoke(ctx, ix, authorized)
}

func (inv *Invocation) invoke(ctx context.Context, ix Instruction, extra []PublicKey) error {
	privileged := make(map[PublicKey]struct{}, len(inv.signers)+len(extra))
	for key := range inv.signers {
		privileged[key] = struct{}{}
	}
	for _, key := range extra {
		privileged[key] = struct{}{}
	}
	return inv.runtime.dispatch(ctx, inv.Tx, ix, privileged, inv.depth+1)
}
