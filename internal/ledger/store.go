package ledger

import (
	"context"
	"sort"
	"sync"

	xerrors "scheduled-gpt-oracle/internal/errors"
)

var (
	// ErrAccountNotFound is returned when no account exists at an address.
	ErrAccountNotFound = xerrors.New(xerrors.CodeAccountNotFound, "account not found")
	// ErrAccountInUse is returned when allocating over an existing account.
	ErrAccountInUse = xerrors.New(xerrors.CodeAccountInUse, "account already in use")
	// ErrInsufficientFunds is returned when a payer cannot cover a debit.
	ErrInsufficientFunds = xerrors.New(xerrors.CodeInsufficientFunds, "insufficient funds")
)

// Change is one staged mutation. A nil Account deletes the address.
type Change struct {
	Key     PublicKey
	Account *Account
}

// Store persists committed account state. Apply must be atomic: either every
// change becomes visible or none does.
type Store interface {
	Load(ctx context.Context, key PublicKey) (*Account, error)
	Apply(ctx context.Context, changes []Change) error
	Close() error
}

// MemoryStore keeps accounts in a map, mainly for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[PublicKey]*Account
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[PublicKey]*Account)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, key PublicKey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// Apply implements Store.
func (m *MemoryStore) Apply(_ context.Context, changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, change := range changes {
		if change.Account == nil {
			delete(m.accounts, change.Key)
			continue
		}
		m.accounts[change.Key] = change.Account.Clone()
	}
	return nil
}

// Keys lists stored addresses in byte order.
func (m *MemoryStore) Keys() []PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]PublicKey, 0, len(m.accounts))
	for key := range m.accounts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Fund credits system-owned balances, creating the accounts when missing.
// It is used to seed genesis balances outside of any transaction.
func Fund(ctx context.Context, store Store, balances map[PublicKey]uint64) error {
	changes := make([]Change, 0, len(balances))
	for key, lamports := range balances {
		acct, err := store.Load(ctx, key)
		if err != nil {
			if !xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
				return err
			}
			acct = &Account{Owner: SystemProgramID}
		}
		acct.Lamports += lamports
		changes = append(changes, Change{Key: key, Account: acct})
	}
	sortChanges(changes)
	return store.Apply(ctx, changes)
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Key.Compare(changes[j].Key) < 0
	})
}

var _ Store = (*MemoryStore)(nil)
