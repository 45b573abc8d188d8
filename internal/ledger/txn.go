package ledger

import (
	"context"
	"fmt"
	"math"

	xerrors "scheduled-gpt-oracle/internal/errors"
)

// Txn stages account mutations for one transaction. Nothing reaches the
// Store until commit, and a discarded Txn leaves no trace.
type Txn struct {
	ctx    context.Context
	store  Store
	staged map[PublicKey]*Account
	order  []PublicKey
	hooks  []func()
	done   bool
}

func newTxn(ctx context.Context, store Store) *Txn {
	return &Txn{ctx: ctx, store: store, staged: make(map[PublicKey]*Account)}
}

// Get returns a copy of the account as seen by this transaction.
func (t *Txn) Get(key PublicKey) (*Account, error) {
	if acct, ok := t.staged[key]; ok {
		if acct == nil {
			return nil, ErrAccountNotFound
		}
		return acct.Clone(), nil
	}
	return t.store.Load(t.ctx, key)
}

// Exists reports whether an account is present at key.
func (t *Txn) Exists(key PublicKey) (bool, error) {
	_, err := t.Get(key)
	if err == nil {
		return true, nil
	}
	if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
		return false, nil
	}
	return false, err
}

// Balance returns the lamports held at key, zero when the account is absent.
func (t *Txn) Balance(key PublicKey) (uint64, error) {
	acct, err := t.Get(key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return acct.Lamports, nil
}

// Put stages the new state of an account.
func (t *Txn) Put(key PublicKey, acct *Account) {
	t.stage(key, acct.Clone())
}

// Delete stages the removal of an account.
func (t *Txn) Delete(key PublicKey) {
	t.stage(key, nil)
}

// Transfer moves lamports between accounts, creating a system-owned
// destination when needed.
func (t *Txn) Transfer(from, to PublicKey, lamports uint64) error {
	if lamports == 0 || from == to {
		return nil
	}
	src, err := t.Get(from)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return xerrors.Wrap(xerrors.CodeInsufficientFunds, err, fmt.Sprintf("payer %s has no balance", from))
		}
		return err
	}
	if src.Lamports < lamports {
		return xerrors.New(xerrors.CodeInsufficientFunds,
			fmt.Sprintf("%s holds %d lamports, needs %d", from, src.Lamports, lamports))
	}
	dst, err := t.Get(to)
	if err != nil {
		if !xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return err
		}
		dst = &Account{Owner: SystemProgramID}
	}
	if dst.Lamports > math.MaxUint64-lamports {
		return xerrors.New(xerrors.CodeInvalidArgument, "lamport overflow")
	}
	src.Lamports -= lamports
	dst.Lamports += lamports
	t.stage(from, src)
	t.stage(to, dst)
	return nil
}

// Allocate creates an account of space bytes owned by owner, debiting the
// rent-exempt deposit from payer.
func (t *Txn) Allocate(payer, key, owner PublicKey, space int) (*Account, error) {
	exists, err := t.Exists(key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, xerrors.New(xerrors.CodeAccountInUse, fmt.Sprintf("account %s already in use", key))
	}
	if err := t.Transfer(payer, key, RentExemptMinimum(space)); err != nil {
		return nil, err
	}
	acct, err := t.Get(key)
	if err != nil {
		return nil, err
	}
	acct.Owner = owner
	acct.Data = make([]byte, space)
	t.stage(key, acct)
	return acct.Clone(), nil
}

// Resize changes the data length of an existing account, topping up or
// refunding rent against payer.
func (t *Txn) Resize(payer, key PublicKey, space int) error {
	acct, err := t.Get(key)
	if err != nil {
		return err
	}
	need := RentExemptMinimum(space)
	switch {
	case acct.Lamports < need:
		if err := t.Transfer(payer, key, need-acct.Lamports); err != nil {
			return err
		}
		if acct, err = t.Get(key); err != nil {
			return err
		}
	case acct.Lamports > need:
		if err := t.Transfer(key, payer, acct.Lamports-need); err != nil {
			return err
		}
		if acct, err = t.Get(key); err != nil {
			return err
		}
	}
	data := make([]byte, space)
	copy(data, acct.Data)
	acct.Data = data
	t.stage(key, acct)
	return nil
}

// Close deletes an account and sends its lamports to dest.
func (t *Txn) Close(key, dest PublicKey) error {
	acct, err := t.Get(key)
	if err != nil {
		return err
	}
	if err := t.Transfer(key, dest, acct.Lamports); err != nil {
		return err
	}
	t.Delete(key)
	return nil
}

// AfterCommit registers fn to run once the transaction has been applied.
// Hooks never run for discarded transactions.
func (t *Txn) AfterCommit(fn func()) {
	if fn != nil {
		t.hooks = append(t.hooks, fn)
	}
}

func (t *Txn) stage(key PublicKey, acct *Account) {
	if _, ok := t.staged[key]; !ok {
		t.order = append(t.order, key)
	}
	t.staged[key] = acct
}

func (t *Txn) changes() []Change {
	changes := make([]Change, 0, len(t.order))
	for _, key := range t.order {
		changes = append(changes, Change{Key: key, Account: t.staged[key]})
	}
	sortChanges(changes)
	return changes
}

func (t *Txn) commit() error {
	if t.done {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction already finished")
	}
	t.done = true
	if len(t.staged) > 0 {
		if err := t.store.Apply(t.ctx, t.changes()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply transaction")
		}
	}
	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

func (t *Txn) discard() {
	t.done = true
	t.staged = nil
	t.order = nil
	t.hooks = nil
}
