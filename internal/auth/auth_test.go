package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"scheduled-gpt-oracle/internal/ledger"
)

func TestNewServiceResolvesTokens(t *testing.T) {
	t.Setenv("TEST_ORACLE_TOKEN", "from-env")
	wallet := ledger.PublicKey{7}
	s, err := NewService(Config{Tokens: []TokenConfig{
		{Name: "operator", TokenEnv: "TEST_ORACLE_TOKEN", Permissions: []string{" Agent:Write "}, Wallets: []string{wallet.String()}},
		{Name: "unset", TokenEnv: "TEST_ORACLE_TOKEN_MISSING", Permissions: []string{PermissionAgentWrite}},
	}})
	require.NoError(t, err)
	require.Equal(t, ModeToken, s.Mode())

	subject, err := s.AuthenticateRequest(context.Background(), "Bearer from-env")
	require.NoError(t, err)
	require.Equal(t, "operator", subject.Name)
	require.NoError(t, subject.Authorize(PermissionAgentWrite))
	require.ErrorIs(t, subject.Authorize(PermissionAgentRead), ErrPermissionDenied)
	require.NoError(t, subject.CanSpend(wallet))
	require.ErrorIs(t, subject.CanSpend(ledger.PublicKey{8}), ErrWalletDenied)

	_, err = s.AuthenticateRequest(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = s.AuthenticateRequest(context.Background(), "Basic from-env")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = s.AuthenticateRequest(context.Background(), "Bearer nope")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Mode: "oauth"})
	require.Error(t, err)

	_, err = NewService(Config{Tokens: []TokenConfig{{Name: "bad", Token: "x", Wallets: []string{"0OIl"}}}})
	require.Error(t, err)

	_, err = NewService(Config{Tokens: []TokenConfig{{Name: "a", Token: "same"}, {Name: "b", Token: "same"}}})
	require.Error(t, err)

	var nilService *Service
	require.Equal(t, ModeDisabled, nilService.Mode())
}

func TestMiddleware(t *testing.T) {
	s, err := NewService(Config{Tokens: []TokenConfig{
		{Name: "writer", Token: "w", Permissions: []string{PermissionAgentWrite}, Wallets: []string{AllWallets}},
		{Name: "reader", Token: "r", Permissions: []string{PermissionAgentRead}},
	}})
	require.NoError(t, err)

	var seen *Subject
	var denied error
	handler := s.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {PermissionAgentWrite}},
		Deny: func(w http.ResponseWriter, _ *http.Request, status int, err error) {
			denied = err
			w.WriteHeader(status)
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	serve := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/schedule", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusUnauthorized, serve(""))
	require.True(t, errors.Is(denied, ErrMissingToken))
	require.Equal(t, http.StatusForbidden, serve("r"))
	require.ErrorIs(t, denied, ErrPermissionDenied)
	require.Nil(t, seen)

	require.Equal(t, http.StatusAccepted, serve("w"))
	require.Equal(t, "writer", seen.Name)
	require.NoError(t, seen.CanSpend(ledger.PublicKey{3}))
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	s, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)
	for _, svc := range []*Service{s, nil} {
		called := false
		handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
		require.True(t, called)
	}
}
