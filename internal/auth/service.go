package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"scheduled-gpt-oracle/pkg/logger"
)

// Service resolves bearer tokens to subjects.
type Service struct {
	mode   Mode
	tokens map[[sha256.Size]byte]*Subject
	audit  *slog.Logger
}

// NewService builds the token table. Tokens whose value is empty are
// skipped so a missing environment variable disables only that subject.
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeToken
	}
	s := &Service{mode: mode, tokens: make(map[[sha256.Size]byte]*Subject)}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	log := logger.Named("auth")
	for _, tc := range cfg.Tokens {
		token := tc.Token
		if token == "" && tc.TokenEnv != "" {
			token = os.Getenv(tc.TokenEnv)
		}
		if token == "" {
			log.Warn("token skipped, no value configured", slog.String("name", tc.Name), slog.String("env", tc.TokenEnv))
			continue
		}
		subject, err := newSubject(tc)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(token))
		if existing, ok := s.tokens[digest]; ok {
			return nil, fmt.Errorf("tokens %s and %s share the same value", existing.Name, tc.Name)
		}
		s.tokens[digest] = subject
	}
	return s, nil
}

// Mode reports the configured authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest validates an Authorization header value.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if strings.TrimSpace(authorization) == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	subject, ok := s.tokens[sha256.Sum256([]byte(strings.TrimSpace(token)))]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}
