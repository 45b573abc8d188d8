package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "scheduled-gpt-oracle/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "failing" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("boom") }

func TestEventFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeInsufficientFunds, "payer cannot cover reward", xerrors.WithMetadata("payer", "abc"))
	event := EventFromError("task-1", err)
	require.Equal(t, xerrors.CodeInsufficientFunds, event.Code)
	require.Equal(t, "task-1", event.Subject)
	require.Equal(t, "abc", event.Metadata["payer"])
	require.False(t, event.OccurredAt.IsZero())

	plain := EventFromError("task-2", errors.New("plain"))
	require.Equal(t, xerrors.CodeUnknown, plain.Code)
	require.Equal(t, xerrors.SeverityCritical, plain.Severity)
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeDelegatedCall, Subject: "task-9"}))
	require.Equal(t, "task-9", received.Subject)
	require.Equal(t, xerrors.CodeDelegatedCall, received.Code)
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	require.Error(t, err)

	require.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), Event{}))
}

func TestFanoutJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	d := NewFanout(&LogNotifier{Logger: log}, failingNotifier{}, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown, Severity: xerrors.SeverityCritical, Message: "task failed"})
	require.ErrorContains(t, err, "channel failing")
	require.Contains(t, buf.String(), `"level":"ERROR"`)
	require.Contains(t, buf.String(), "task failed")

	var nilDispatcher *FanoutDispatcher
	require.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}
