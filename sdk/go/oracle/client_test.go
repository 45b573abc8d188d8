package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error APIError `json:"error"`
	}{Error: APIError{Code: code, Message: message}})
}

func TestScheduleSendsTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agent/schedule" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["task_id"] != float64(3) || body["text"] != "hello" {
			t.Fatalf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Scheduled{TaskID: 3, Task: "task-3"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	id := uint16(3)
	got, err := client.Schedule(context.Background(), "payer", &id, "hello")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got.Task != "task-3" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestWithTokenSetsBearerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			writeError(w, http.StatusUnauthorized, "AUTHORIZATION_ERROR", "missing bearer token")
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Initialized{Agent: "agent"})
	}))
	defer srv.Close()

	anonymous, _ := NewClient(srv.URL, srv.Client())
	_, err := anonymous.Initialize(context.Background(), "payer")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}

	client, _ := NewClient(srv.URL, srv.Client(), WithToken("s3cret"))
	got, err := client.Initialize(context.Background(), "payer")
	if err != nil || got.Agent != "agent" {
		t.Fatalf("initialize with token: %+v %v", got, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusConflict, "DUPLICATE_TASK", "task id 1 is in use")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Schedule(context.Background(), "payer", nil, "x")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "DUPLICATE_TASK" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if IsNotFound(err) {
		t.Fatal("conflict reported as not found")
	}
}

func TestAPIErrorKeepsTransportStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"ACCOUNT_NOT_FOUND","message":"gone","StatusCode":200,"status_code":200}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Task(context.Background(), 3)
	if !IsNotFound(err) {
		t.Fatalf("expected not found from HTTP status, got %v", err)
	}
}

func TestWaitTaskExecutedReturnsContextErrorWhenRequestIsCut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.WaitTaskExecuted(ctx, 1, time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected bare deadline exceeded, got %v", err)
	}
}

func TestFreeTaskID(t *testing.T) {
	var full atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := Queue{Capacity: 2, UsedIDs: []uint16{0}}
		if !full.Load() {
			free := uint16(1)
			q.FreeID = &free
		}
		_ = json.NewEncoder(w).Encode(q)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	id, err := client.FreeTaskID(context.Background())
	if err != nil || id != 1 {
		t.Fatalf("expected free id 1, got %d (%v)", id, err)
	}
	full.Store(true)
	if _, err := client.FreeTaskID(context.Background()); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestWaitTaskExecuted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/4" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			_ = json.NewEncoder(w).Encode(Task{ID: 4})
			return
		}
		writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	if err := client.WaitTaskExecuted(context.Background(), 4, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", calls.Load())
	}
}

func TestWaitInteractionCompletedHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Interaction{Status: "pending_oracle_response"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	last, err := client.WaitInteractionCompleted(ctx, "abc", time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if last.Status != "pending_oracle_response" {
		t.Fatalf("unexpected last state: %+v", last)
	}
}

func TestDeliverCallbackEncodesSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb Callback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cb.Signature != "0x0102ff" {
			t.Fatalf("unexpected signature %q", cb.Signature)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	if err := client.DeliverCallback(context.Background(), NewCallback("id", "ix", "resp", []byte{1, 2, 255})); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}
