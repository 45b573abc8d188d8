package auth

import (
	"errors"
	"fmt"
	"strings"

	"scheduled-gpt-oracle/internal/ledger"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrWalletDenied     = errors.New("wallet not granted")
)

// Permissions understood by the API.
const (
	PermissionAgentWrite = "agent:write"
	PermissionAgentRead  = "agent:read"
)

// AllWallets grants a subject every custodial wallet.
const AllWallets = "*"

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config configures the authentication service.
type Config struct {
	Mode   Mode          `json:"mode"`
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig binds one bearer token to a named subject. The token is read
// from TokenEnv when Token is empty.
type TokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
	Wallets     []string `json:"wallets"`
}

// Subject is the caller a token resolved to.
type Subject struct {
	Name        string
	Permissions []string
	Wallets     []ledger.PublicKey
	AnyWallet   bool

	permissionsSet map[string]struct{}
}

func newSubject(cfg TokenConfig) (*Subject, error) {
	subject := &Subject{Name: cfg.Name, Permissions: append([]string(nil), cfg.Permissions...)}
	for _, raw := range cfg.Wallets {
		raw = strings.TrimSpace(raw)
		if raw == AllWallets {
			subject.AnyWallet = true
			continue
		}
		key, err := ledger.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("token %s: wallet %q: %w", cfg.Name, raw, err)
		}
		subject.Wallets = append(subject.Wallets, key)
	}
	subject.normalise()
	return subject, nil
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// CanSpend checks that wallet was granted to the subject.
func (s *Subject) CanSpend(wallet ledger.PublicKey) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.AnyWallet {
		return nil
	}
	for _, key := range s.Wallets {
		if key == wallet {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not spend %s", ErrWalletDenied, s.Name, wallet)
}
