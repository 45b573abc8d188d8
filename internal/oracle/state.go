package oracle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
)

// DefaultProgramID is the oracle deployment used when none is configured.
var DefaultProgramID = ledger.MustParsePublicKey("LLMrieZMpbJFwN52WgmBNMxYojrpRVYXdC1RCweEbab")

var (
	counterTag     = ledger.AccountTag("Counter")
	contextTag     = ledger.AccountTag("ContextAccount")
	interactionTag = ledger.AccountTag("Interaction")
	identityTag    = ledger.AccountTag("Identity")
)

// Status tracks one interaction from creation to its callback.
type Status uint8

const (
	StatusCreated Status = iota
	StatusPending
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusPending:
		return "pending_oracle_response"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Counter numbers the contexts created so far.
type Counter struct {
	Count uint32
}

// ContextAccount holds the instructions a conversation starts from.
type ContextAccount struct {
	Text string
}

// Interaction is one request waiting for, or answered by, the oracle.
type Interaction struct {
	Context         ledger.PublicKey
	User            ledger.PublicKey
	Text            string
	CallbackProgram ledger.PublicKey
	CallbackTag     ledger.Tag
	Status          Status
}

// CounterAddress is the single counter of an oracle deployment.
func CounterAddress(programID ledger.PublicKey) ledger.PublicKey {
	return ledger.MustFindProgramAddress([][]byte{[]byte("counter")}, programID)
}

// ContextAddress derives the context created when the counter read count.
func ContextAddress(programID ledger.PublicKey, count uint32) ledger.PublicKey {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], count)
	return ledger.MustFindProgramAddress([][]byte{[]byte("test-context"), le[:]}, programID)
}

// InteractionAddress derives the interaction slot of payer in context.
func InteractionAddress(programID, payer, context ledger.PublicKey) ledger.PublicKey {
	return ledger.MustFindProgramAddress([][]byte{[]byte("interaction"), payer[:], context[:]}, programID)
}

// IdentityAddress derives the identity the oracle signs callbacks with.
func IdentityAddress(programID ledger.PublicKey) (ledger.PublicKey, uint8) {
	key, bump, err := ledger.FindProgramAddress([][]byte{[]byte("identity")}, programID)
	if err != nil {
		panic(err)
	}
	return key, bump
}

// IsIdentity reports whether acct is the identity account created by the
// oracle deployment programID.
func IsIdentity(acct *ledger.Account, programID ledger.PublicKey) bool {
	if acct == nil || acct.Owner != programID || len(acct.Data) < ledger.TagLength {
		return false
	}
	return bytes.Equal(acct.Data[:ledger.TagLength], identityTag[:])
}

// EncodeCounter writes the counter as tag followed by a little-endian u32.
func EncodeCounter(c Counter) []byte {
	out := make([]byte, ledger.TagLength+4)
	copy(out, counterTag[:])
	binary.LittleEndian.PutUint32(out[ledger.TagLength:], c.Count)
	return out
}

// DecodeCounter parses counter account data.
func DecodeCounter(data []byte) (Counter, error) {
	if len(data) != ledger.TagLength+4 || !bytes.Equal(data[:ledger.TagLength], counterTag[:]) {
		return Counter{}, xerrors.New(xerrors.CodeInvalidAccount, "account is not an oracle counter")
	}
	return Counter{Count: binary.LittleEndian.Uint32(data[ledger.TagLength:])}, nil
}

// EncodeContext serialises a context account.
func EncodeContext(c ContextAccount) ([]byte, error) {
	return encodeTagged(contextTag, c)
}

// DecodeContext parses context account data.
func DecodeContext(data []byte) (ContextAccount, error) {
	var c ContextAccount
	err := decodeTagged(contextTag, data, &c, "context")
	return c, err
}

// EncodeInteraction serialises an interaction account.
func EncodeInteraction(i Interaction) ([]byte, error) {
	return encodeTagged(interactionTag, i)
}

// DecodeInteraction parses interaction account data.
func DecodeInteraction(data []byte) (Interaction, error) {
	var i Interaction
	err := decodeTagged(interactionTag, data, &i, "interaction")
	return i, err
}

func encodeTagged(tag ledger.Tag, v any) ([]byte, error) {
	body, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidAccount, err, "encode oracle account")
	}
	return append(tag[:], body...), nil
}

func decodeTagged(tag ledger.Tag, data []byte, v any, kind string) error {
	if len(data) < ledger.TagLength || !bytes.Equal(data[:ledger.TagLength], tag[:]) {
		return xerrors.New(xerrors.CodeInvalidAccount, fmt.Sprintf("account is not an oracle %s", kind))
	}
	if err := rlp.DecodeBytes(data[ledger.TagLength:], v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidAccount, err, fmt.Sprintf("decode oracle %s", kind))
	}
	return nil
}
