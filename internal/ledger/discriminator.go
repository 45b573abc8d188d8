package ledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	xerrors "scheduled-gpt-oracle/internal/errors"
)

// TagLength is the size of instruction and account type tags.
const TagLength = 8

// Tag selects an entry point or identifies an account type.
type Tag [TagLength]byte

// InstructionTag returns the tag of the named entry point.
func InstructionTag(name string) Tag {
	return hashTag("global:" + name)
}

// AccountTag returns the type tag written at the head of account data.
func AccountTag(name string) Tag {
	return hashTag("account:" + name)
}

func hashTag(preimage string) Tag {
	sum := sha256.Sum256([]byte(preimage))
	var tag Tag
	copy(tag[:], sum[:TagLength])
	return tag
}

// EncodeInstruction prefixes the RLP encoding of args with tag.
func EncodeInstruction(tag Tag, args any) ([]byte, error) {
	body, err := rlp.EncodeToBytes(args)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInstruction, err, "encode instruction arguments")
	}
	return append(tag[:], body...), nil
}

// DecodeInstruction splits data into its tag and arguments, decoding the
// arguments into args when it is non-nil.
func DecodeInstruction(data []byte, args any) (Tag, error) {
	var tag Tag
	if len(data) < TagLength {
		return tag, xerrors.New(xerrors.CodeInvalidInstruction,
			fmt.Sprintf("instruction data is %d bytes, shorter than its tag", len(data)))
	}
	copy(tag[:], data[:TagLength])
	if args != nil {
		if err := rlp.DecodeBytes(data[TagLength:], args); err != nil {
			return tag, xerrors.Wrap(xerrors.CodeInvalidInstruction, err, "decode instruction arguments")
		}
	}
	return tag, nil
}

// InstructionTagOf reads the tag without decoding arguments.
func InstructionTagOf(data []byte) (Tag, error) {
	return DecodeInstruction(data, nil)
}
