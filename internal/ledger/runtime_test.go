package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "scheduled-gpt-oracle/internal/errors"
)

type funcProgram struct {
	id      PublicKey
	process func(ctx context.Context, inv *Invocation) error
}

func (p funcProgram) ID() PublicKey { return p.id }

func (p funcProgram) Process(ctx context.Context, inv *Invocation) error {
	return p.process(ctx, inv)
}

func newFundedRuntime(t *testing.T, balances map[PublicKey]uint64) (*Runtime, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, Fund(context.Background(), store, balances))
	return NewRuntime(store), store
}

func TestExecuteCommitsAllocation(t *testing.T) {
	payer := PublicKey{1}
	target := PublicKey{2}
	programID := PublicKey{9}
	rt, _ := newFundedRuntime(t, map[PublicKey]uint64{payer: 10_000_000})

	rt.Register(funcProgram{id: programID, process: func(_ context.Context, inv *Invocation) error {
		_, err := inv.Tx.Allocate(payer, target, programID, 40)
		return err
	}})

	err := rt.Execute(context.Background(), Transaction{
		Instructions: []Instruction{{ProgramID: programID, Accounts: []AccountMeta{Writable(payer, true)}}},
		Signers:      []PublicKey{payer},
	})
	require.NoError(t, err)

	acct, err := rt.Account(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, programID, acct.Owner)
	require.Len(t, acct.Data, 40)
	require.Equal(t, RentExemptMinimum(40), acct.Lamports)

	payerAcct, err := rt.Account(context.Background(), payer)
	require.NoError(t, err)
	require.Equal(t, 10_000_000-RentExemptMinimum(40), payerAcct.Lamports)
}

func TestExecuteRollsBackEveryInstruction(t *testing.T) {
	payer := PublicKey{1}
	programID := PublicKey{9}
	rt, store := newFundedRuntime(t, map[PublicKey]uint64{payer: 10_000_000})
	hookRan := false

	rt.Register(funcProgram{id: programID, process: func(_ context.Context, inv *Invocation) error {
		if len(inv.Data) > 0 {
			return xerrors.New(xerrors.CodeInvalidInstruction, "boom")
		}
		inv.Tx.AfterCommit(func() { hookRan = true })
		_, err := inv.Tx.Allocate(payer, PublicKey{3}, programID, 8)
		return err
	}})

	err := rt.Execute(context.Background(), Transaction{
		Instructions: []Instruction{
			{ProgramID: programID},
			{ProgramID: programID, Data: []byte{1}},
		},
		Signers: []PublicKey{payer},
	})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidInstruction))
	require.False(t, hookRan)
	require.Equal(t, []PublicKey{payer}, store.Keys())

	payerAcct, err := rt.Account(context.Background(), payer)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), payerAcct.Lamports)
}

func TestAllocateFailures(t *testing.T) {
	payer := PublicKey{1}
	programID := PublicKey{9}
	rt, _ := newFundedRuntime(t, map[PublicKey]uint64{payer: RentExemptMinimum(8)})

	err := rt.Run(context.Background(), programID, nil, func(inv *Invocation) error {
		_, err := inv.Tx.Allocate(payer, PublicKey{2}, programID, 100)
		return err
	})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInsufficientFunds))

	err = rt.Run(context.Background(), programID, nil, func(inv *Invocation) error {
		_, err := inv.Tx.Allocate(payer, payer, programID, 0)
		return err
	})
	require.True(t, xerrors.HasCode(err, xerrors.CodeAccountInUse))
}

func TestSignerFlagsAreDowngradedToVerifiedKeys(t *testing.T) {
	signer := PublicKey{1}
	impostor := PublicKey{2}
	programID := PublicKey{9}
	rt, _ := newFundedRuntime(t, nil)

	var seen []AccountMeta
	rt.Register(funcProgram{id: programID, process: func(_ context.Context, inv *Invocation) error {
		seen = inv.Accounts
		require.True(t, inv.IsSigner(signer))
		require.False(t, inv.IsSigner(impostor))
		return nil
	}})

	err := rt.Execute(context.Background(), Transaction{
		Instructions: []Instruction{{ProgramID: programID, Accounts: []AccountMeta{
			Readonly(signer, true),
			Readonly(impostor, true),
		}}},
		Signers: []PublicKey{signer},
	})
	require.NoError(t, err)
	require.True(t, seen[0].IsSigner)
	require.False(t, seen[1].IsSigner)
}

func TestProgramOwnedAccountsCannotSign(t *testing.T) {
	payer := PublicKey{1}
	owned := PublicKey{3}
	programID := PublicKey{9}
	rt, _ := newFundedRuntime(t, map[PublicKey]uint64{payer: 10_000_000})

	calls := 0
	rt.Register(funcProgram{id: programID, process: func(_ context.Context, inv *Invocation) error {
		calls++
		if calls == 1 {
			_, err := inv.Tx.Allocate(payer, owned, programID, 8)
			return err
		}
		return nil
	}})

	ix := Instruction{ProgramID: programID, Accounts: []AccountMeta{Readonly(owned, true)}}
	require.NoError(t, rt.Execute(context.Background(), Transaction{Instructions: []Instruction{ix}, Signers: []PublicKey{payer}}))

	err := rt.Execute(context.Background(), Transaction{Instructions: []Instruction{ix}, Signers: []PublicKey{owned}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization), "got %v", err)
	require.Equal(t, 1, calls)
}

func TestInvokeSignedGrantsProgramAddress(t *testing.T) {
	caller := PublicKey{8}
	callee := PublicKey{9}
	authority, bump, err := FindProgramAddress([][]byte{[]byte("authority")}, caller)
	require.NoError(t, err)
	rt, _ := newFundedRuntime(t, nil)

	var calleeSawSigner bool
	rt.Register(
		funcProgram{id: callee, process: func(_ context.Context, inv *Invocation) error {
			calleeSawSigner = inv.IsSigner(authority)
			return nil
		}},
		funcProgram{id: caller, process: func(ctx context.Context, inv *Invocation) error {
			ix := Instruction{ProgramID: callee, Accounts: []AccountMeta{Readonly(authority, true)}}
			if err := inv.Invoke(ctx, ix); err != nil {
				return err
			}
			require.False(t, calleeSawSigner)
			return inv.InvokeSigned(ctx, ix, [][]byte{[]byte("authority"), {bump}})
		}},
	)

	require.NoError(t, rt.Execute(context.Background(), Transaction{
		Instructions: []Instruction{{ProgramID: caller}},
	}))
	require.True(t, calleeSawSigner)
}

func TestInvokeDepthIsBounded(t *testing.T) {
	programID := PublicKey{9}
	rt, _ := newFundedRuntime(t, nil)
	rt.Register(funcProgram{id: programID, process: func(ctx context.Context, inv *Invocation) error {
		return inv.Invoke(ctx, Instruction{ProgramID: programID})
	}})

	err := rt.Execute(context.Background(), Transaction{Instructions: []Instruction{{ProgramID: programID}}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidInstruction))
}

func TestExecuteRejectsUnknownProgram(t *testing.T) {
	rt, _ := newFundedRuntime(t, nil)
	err := rt.Execute(context.Background(), Transaction{Instructions: []Instruction{{ProgramID: PublicKey{4}}}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidInstruction))

	err = rt.Execute(context.Background(), Transaction{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidInstruction))
}

func TestCloseMovesLamports(t *testing.T) {
	owner := PublicKey{1}
	dest := PublicKey{2}
	rt, store := newFundedRuntime(t, map[PublicKey]uint64{owner: 500})

	require.NoError(t, rt.Run(context.Background(), PublicKey{9}, nil, func(inv *Invocation) error {
		return inv.Tx.Close(owner, dest)
	}))
	require.Equal(t, []PublicKey{dest}, store.Keys())

	acct, err := rt.Account(context.Background(), dest)
	require.NoError(t, err)
	require.Equal(t, uint64(500), acct.Lamports)
}
