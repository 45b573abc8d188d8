package ledger

// AccountMeta references an account from an instruction together with the
// privileges the instruction asks for.
type AccountMeta struct {
	Key        PublicKey `json:"key"`
	IsSigner   bool      `json:"is_signer"`
	IsWritable bool      `json:"is_writable"`
}

// Writable builds a mutable account reference.
func Writable(key PublicKey, signer bool) AccountMeta {
	return AccountMeta{Key: key, IsSigner: signer, IsWritable: true}
}

// Readonly builds an immutable account reference.
func Readonly(key PublicKey, signer bool) AccountMeta {
	return AccountMeta{Key: key, IsSigner: signer}
}

// Instruction is one call into a program.
type Instruction struct {
	ProgramID PublicKey     `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// Clone returns a deep copy of the instruction.
func (ix Instruction) Clone() Instruction {
	clone := Instruction{ProgramID: ix.ProgramID}
	if ix.Accounts != nil {
		clone.Accounts = append([]AccountMeta(nil), ix.Accounts...)
	}
	if ix.Data != nil {
		clone.Data = append([]byte(nil), ix.Data...)
	}
	return clone
}

// Transaction is the unit executed atomically by the Runtime. Signers lists
// the keys whose signatures were verified by the submitter.
type Transaction struct {
	Instructions []Instruction
	Signers      []PublicKey
}
