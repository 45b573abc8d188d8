package ledger

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKeyLength is the size in bytes of every account address.
const PublicKeyLength = 32

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

// PublicKey identifies an account, a program or a signer on the ledger.
type PublicKey [PublicKeyLength]byte

// SystemProgramID is the allocator that owns freshly funded accounts.
var SystemProgramID = PublicKey{}

// ErrInvalidSeeds is returned when a seed list cannot produce a program address.
var ErrInvalidSeeds = errors.New("invalid program address seeds")

// ErrOnCurve is returned when the derived bytes are a valid ed25519 point and
// could therefore have a private key.
var ErrOnCurve = errors.New("derived address is on the ed25519 curve")

// ParsePublicKey decodes the base58 text form of an address.
func ParsePublicKey(text string) (PublicKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(text))
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode address %q: %w", text, err)
	}
	if len(raw) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("address %q has %d bytes, want %d", text, len(raw), PublicKeyLength)
	}
	var key PublicKey
	copy(key[:], raw)
	return key, nil
}

// MustParsePublicKey is ParsePublicKey for compile-time constants.
func MustParsePublicKey(text string) PublicKey {
	key, err := ParsePublicKey(text)
	if err != nil {
		panic(err)
	}
	return key
}

// PublicKeyFromBytes copies b into a key, failing on a length mismatch.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("address has %d bytes, want %d", len(b), PublicKeyLength)
	}
	var key PublicKey
	copy(key[:], b)
	return key, nil
}

// String returns the base58 form.
func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// Bytes returns a copy of the raw key.
func (k PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeyLength)
	copy(out, k[:])
	return out
}

// IsZero reports whether the key is the all-zero address.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Compare orders keys bytewise.
func (k PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(k[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CreateProgramAddress hashes seeds together with the owning program. The
// result is only usable as a program address when it is off the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, ErrInvalidSeeds
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return PublicKey{}, ErrInvalidSeeds
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var key PublicKey
	copy(key[:], h.Sum(nil))
	if isOnCurve(key[:]) {
		return PublicKey{}, ErrOnCurve
	}
	return key, nil
}

// FindProgramAddress searches bump seeds from 255 downwards and returns the
// first off-curve address together with the bump that proves it.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	if len(seeds) >= maxSeeds {
		return PublicKey{}, 0, ErrInvalidSeeds
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		key, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return key, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return PublicKey{}, 0, err
		}
	}
	return PublicKey{}, 0, ErrInvalidSeeds
}

// MustFindProgramAddress panics when no bump exists, which only happens for
// malformed seeds.
func MustFindProgramAddress(seeds [][]byte, programID PublicKey) PublicKey {
	key, _, err := FindProgramAddress(seeds, programID)
	if err != nil {
		panic(err)
	}
	return key
}

func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
