// Package compiler turns a list of instructions into a self-contained,
// replayable descriptor: a de-duplicated account table plus instructions that
// reference accounts by index. The descriptor is what the task queue stores
// and later replays on behalf of the original payer.
package compiler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
)

const (
	// MaxAccounts is the largest account table an index byte can address.
	MaxAccounts = 256
	// MaxEncodedSize bounds the encoded descriptor to one network packet.
	MaxEncodedSize = 1232
)

// CompiledInstruction is an instruction whose keys were replaced by indices
// into CompiledTransaction.Accounts.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []byte
	Data           []byte
}

// CompiledTransaction is the replayable descriptor. Accounts are ordered
// writable signers, read-only signers, writable non-signers and then
// read-only non-signers; the three counters delimit those ranges.
type CompiledTransaction struct {
	NumRWSigners uint16
	NumROSigners uint16
	NumRW        uint16
	Accounts     []ledger.PublicKey
	Instructions []CompiledInstruction
}

type accountEntry struct {
	key      ledger.PublicKey
	signer   bool
	writable bool
}

func (e accountEntry) class() int {
	switch {
	case e.signer && e.writable:
		return 0
	case e.signer:
		return 1
	case e.writable:
		return 2
	default:
		return 3
	}
}

// Compile builds the descriptor for instructions. Every key in signers is
// marked as a signer in addition to the metas already flagged. The result is
// a pure function of its input.
func Compile(instructions []ledger.Instruction, signers []ledger.PublicKey) (*CompiledTransaction, error) {
	if len(instructions) == 0 {
		return nil, xerrors.New(xerrors.CodeCompilation, "no instructions to compile")
	}

	var (
		entries []accountEntry
		index   = make(map[ledger.PublicKey]int)
	)
	note := func(key ledger.PublicKey, signer, writable bool) {
		if i, ok := index[key]; ok {
			entries[i].signer = entries[i].signer || signer
			entries[i].writable = entries[i].writable || writable
			return
		}
		index[key] = len(entries)
		entries = append(entries, accountEntry{key: key, signer: signer, writable: writable})
	}

	for _, key := range signers {
		note(key, true, false)
	}
	for _, ix := range instructions {
		for _, meta := range ix.Accounts {
			note(meta.Key, meta.IsSigner, meta.IsWritable)
		}
		note(ix.ProgramID, false, false)
	}
	if len(entries) > MaxAccounts {
		return nil, xerrors.New(xerrors.CodeCompilation,
			fmt.Sprintf("transaction references %d accounts, limit is %d", len(entries), MaxAccounts))
	}

	ordered := make([]accountEntry, 0, len(entries))
	for class := 0; class < 4; class++ {
		for _, entry := range entries {
			if entry.class() == class {
				ordered = append(ordered, entry)
			}
		}
	}

	out := &CompiledTransaction{Accounts: make([]ledger.PublicKey, len(ordered))}
	position := make(map[ledger.PublicKey]uint8, len(ordered))
	for i, entry := range ordered {
		out.Accounts[i] = entry.key
		position[entry.key] = uint8(i)
		switch entry.class() {
		case 0:
			out.NumRWSigners++
		case 1:
			out.NumROSigners++
		case 2:
			out.NumRW++
		}
	}

	out.Instructions = make([]CompiledInstruction, len(instructions))
	for i, ix := range instructions {
		compiled := CompiledInstruction{
			ProgramIDIndex: position[ix.ProgramID],
			Accounts:       make([]byte, len(ix.Accounts)),
			Data:           append([]byte{}, ix.Data...),
		}
		for j, meta := range ix.Accounts {
			compiled.Accounts[j] = position[meta.Key]
		}
		out.Instructions[i] = compiled
	}

	encoded, err := out.Encode()
	if err != nil {
		return nil, err
	}
	if len(encoded) > MaxEncodedSize {
		return nil, xerrors.New(xerrors.CodeCompilation,
			fmt.Sprintf("compiled transaction is %d bytes, limit is %d", len(encoded), MaxEncodedSize))
	}
	return out, nil
}

// Encode serialises the descriptor. Equal descriptors encode to equal bytes.
func (c *CompiledTransaction) Encode() ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(c)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompilation, err, "encode compiled transaction")
	}
	return encoded, nil
}

// Decode parses an encoded descriptor and validates its indices.
func Decode(b []byte) (*CompiledTransaction, error) {
	var out CompiledTransaction
	if err := rlp.DecodeBytes(b, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompilation, err, "decode compiled transaction")
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CompiledTransaction) validate() error {
	total := len(c.Accounts)
	if total > MaxAccounts {
		return xerrors.New(xerrors.CodeCompilation, "account table too large")
	}
	if int(c.NumRWSigners)+int(c.NumROSigners)+int(c.NumRW) > total {
		return xerrors.New(xerrors.CodeCompilation, "account counters exceed account table")
	}
	if len(c.Instructions) == 0 {
		return xerrors.New(xerrors.CodeCompilation, "compiled transaction has no instructions")
	}
	for i, ix := range c.Instructions {
		if int(ix.ProgramIDIndex) >= total {
			return xerrors.New(xerrors.CodeCompilation, fmt.Sprintf("instruction %d program index out of range", i))
		}
		for _, idx := range ix.Accounts {
			if int(idx) >= total {
				return xerrors.New(xerrors.CodeCompilation, fmt.Sprintf("instruction %d account index out of range", i))
			}
		}
	}
	return nil
}

// Signers returns the keys in the signer ranges of the account table.
func (c *CompiledTransaction) Signers() []ledger.PublicKey {
	n := int(c.NumRWSigners) + int(c.NumROSigners)
	if n > len(c.Accounts) {
		n = len(c.Accounts)
	}
	return append([]ledger.PublicKey(nil), c.Accounts[:n]...)
}

// Decompile rebuilds the instruction list. Flags come from the account's
// range, so an account used with the same flags everywhere round-trips
// exactly.
func (c *CompiledTransaction) Decompile() ([]ledger.Instruction, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	metas := make([]ledger.AccountMeta, len(c.Accounts))
	rwSigners := int(c.NumRWSigners)
	signers := rwSigners + int(c.NumROSigners)
	writable := signers + int(c.NumRW)
	for i, key := range c.Accounts {
		metas[i] = ledger.AccountMeta{
			Key:        key,
			IsSigner:   i < signers,
			IsWritable: i < rwSigners || (i >= signers && i < writable),
		}
	}

	out := make([]ledger.Instruction, len(c.Instructions))
	for i, ix := range c.Instructions {
		decoded := ledger.Instruction{
			ProgramID: c.Accounts[ix.ProgramIDIndex],
			Accounts:  make([]ledger.AccountMeta, len(ix.Accounts)),
			Data:      append([]byte{}, ix.Data...),
		}
		for j, idx := range ix.Accounts {
			decoded.Accounts[j] = metas[idx]
		}
		out[i] = decoded
	}
	return out, nil
}
