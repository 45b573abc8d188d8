package oracle

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"

	"scheduled-gpt-oracle/internal/ledger"
)

// Signer holds the key an out-of-process oracle uses to authenticate
// callbacks delivered over HTTP.
type Signer struct {
	private ed25519.PrivateKey
	public  ledger.PublicKey
}

// NewSigner derives the keypair from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("oracle identity seed must be 32 bytes")
	}
	private := ed25519.NewKeyFromSeed(seed)
	var public ledger.PublicKey
	copy(public[:], private.Public().(ed25519.PublicKey))
	return &Signer{private: private, public: public}, nil
}

// SignerFromPassphrase hashes a passphrase into a seed, for development
// deployments configured with a human readable secret.
func SignerFromPassphrase(passphrase string) *Signer {
	seed := sha256.Sum256([]byte(passphrase))
	signer, _ := NewSigner(seed[:])
	return signer
}

// Public returns the identity callbacks are attributed to.
func (s *Signer) Public() ledger.PublicKey {
	return s.public
}

// Sign authenticates response for the given interaction.
func (s *Signer) Sign(interaction ledger.PublicKey, response string) []byte {
	return ed25519.Sign(s.private, callbackMessage(s.public, interaction, response))
}

// VerifyCallback checks a callback signature produced by Sign.
func VerifyCallback(identity, interaction ledger.PublicKey, response string, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(identity[:], callbackMessage(identity, interaction, response), signature)
}

func callbackMessage(identity, interaction ledger.PublicKey, response string) []byte {
	msg := make([]byte, 0, 2*ledger.PublicKeyLength+len(response))
	msg = append(msg, identity[:]...)
	msg = append(msg, interaction[:]...)
	return append(msg, response...)
}
