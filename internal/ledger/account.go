package ledger

const (
	// AccountStorageOverhead is charged on top of the data length of every
	// allocated account.
	AccountStorageOverhead = 128
	// LamportsPerByte is the rent-exempt deposit per stored byte.
	LamportsPerByte = 6960
)

// Account is the persisted state behind a PublicKey.
type Account struct {
	Owner    PublicKey
	Lamports uint64
	Data     []byte
}

// Clone returns a deep copy so staged mutations never alias stored state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Data != nil {
		clone.Data = append([]byte(nil), a.Data...)
	}
	return &clone
}

// RentExemptMinimum returns the deposit required to allocate space bytes.
func RentExemptMinimum(space int) uint64 {
	if space < 0 {
		space = 0
	}
	return uint64(AccountStorageOverhead+space) * LamportsPerByte
}
