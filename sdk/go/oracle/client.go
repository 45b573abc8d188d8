// Package oracle is a Go client for the scheduled GPT oracle REST API.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is used by the Wait helpers when no interval is given.
const DefaultPollInterval = time.Second

// ErrQueueFull is returned by FreeTaskID when every task id is in use.
var ErrQueueFull = errors.New("oracle: task queue has no free task id")

// Client wraps the HTTP interactions with the oracle daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on every request. Write
// endpoints reject requests without one unless the daemon disables auth.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// Agent describes the agent deployment and whether it has been initialized.
type Agent struct {
	ProgramID      string `json:"program_id"`
	Agent          string `json:"agent"`
	Initialized    bool   `json:"initialized"`
	Context        string `json:"context,omitempty"`
	Description    string `json:"description,omitempty"`
	TaskQueue      string `json:"task_queue"`
	QueueAuthority string `json:"queue_authority"`
}

// Initialized is returned by Initialize.
type Initialized struct {
	Agent   string `json:"agent"`
	Context string `json:"context"`
}

// Scheduled is returned by Schedule.
type Scheduled struct {
	TaskID      uint16 `json:"task_id"`
	Task        string `json:"task"`
	Interaction string `json:"interaction"`
}

// Queue describes the task queue the agent schedules into.
type Queue struct {
	Address        string   `json:"address"`
	ID             uint32   `json:"id"`
	Name           string   `json:"name"`
	Capacity       uint16   `json:"capacity"`
	MinCrankReward uint64   `json:"min_crank_reward"`
	UsedIDs        []uint16 `json:"used_ids"`
	FreeID         *uint16  `json:"free_id,omitempty"`
}

// Task is a queued task that has not been executed yet.
type Task struct {
	Address     string    `json:"address"`
	Queue       string    `json:"queue"`
	ID          uint16    `json:"id"`
	Payer       string    `json:"payer"`
	Trigger     string    `json:"trigger"`
	CrankReward uint64    `json:"crank_reward"`
	Description string    `json:"description"`
	QueuedAt    time.Time `json:"queued_at"`
}

// Interaction is one oracle request and its status.
type Interaction struct {
	Address         string `json:"address"`
	Context         string `json:"context"`
	User            string `json:"user"`
	Text            string `json:"text"`
	CallbackProgram string `json:"callback_program"`
	Status          string `json:"status"`
}

// StatusCompleted is the interaction status once the callback has run.
const StatusCompleted = "completed"

// Callback is a signed oracle response delivered to the agent.
type Callback struct {
	Identity    string `json:"identity"`
	Interaction string `json:"interaction"`
	Response    string `json:"response"`
	Signature   string `json:"signature"`
}

// NewCallback encodes a raw ed25519 signature into a Callback.
func NewCallback(identity, interaction, response string, signature []byte) Callback {
	return Callback{
		Identity:    identity,
		Interaction: interaction,
		Response:    response,
		Signature:   hexutil.Encode(signature),
	}
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("oracle api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("oracle api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 returned by the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the oracle API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{baseURL: parsed, httpClient: httpClient}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Initialize creates the agent and its conversation context, paid by payer.
func (c *Client) Initialize(ctx context.Context, payer string) (Initialized, error) {
	var out Initialized
	err := c.post(ctx, "/api/v1/agent/initialize", map[string]string{"payer": payer}, &out)
	return out, err
}

// Interact submits text to the oracle immediately and returns the
// interaction address.
func (c *Client) Interact(ctx context.Context, payer, text string) (string, error) {
	var out struct {
		Interaction string `json:"interaction"`
	}
	err := c.post(ctx, "/api/v1/agent/interact", map[string]string{"payer": payer, "text": text}, &out)
	return out.Interaction, err
}

// Schedule queues text as a task. A nil taskID lets the server pick the
// lowest free id.
func (c *Client) Schedule(ctx context.Context, payer string, taskID *uint16, text string) (Scheduled, error) {
	body := struct {
		Payer  string  `json:"payer"`
		TaskID *uint16 `json:"task_id,omitempty"`
		Text   string  `json:"text"`
	}{Payer: payer, TaskID: taskID, Text: text}
	var out Scheduled
	err := c.post(ctx, "/api/v1/agent/schedule", body, &out)
	return out, err
}

// DeliverCallback posts a signed oracle response to the agent.
func (c *Client) DeliverCallback(ctx context.Context, cb Callback) error {
	return c.post(ctx, "/api/v1/agent/callback", cb, nil)
}

// Agent fetches the agent deployment view.
func (c *Client) Agent(ctx context.Context) (Agent, error) {
	var out Agent
	err := c.get(ctx, "/api/v1/agent", &out)
	return out, err
}

// Queue fetches the task queue view.
func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var out Queue
	err := c.get(ctx, "/api/v1/queue", &out)
	return out, err
}

// FreeTaskID returns the lowest task id not currently in use.
func (c *Client) FreeTaskID(ctx context.Context) (uint16, error) {
	q, err := c.Queue(ctx)
	if err != nil {
		return 0, err
	}
	if q.FreeID == nil {
		return 0, ErrQueueFull
	}
	return *q.FreeID, nil
}

// Task fetches a queued task by id.
func (c *Client) Task(ctx context.Context, id uint16) (Task, error) {
	var out Task
	err := c.get(ctx, "/api/v1/tasks/"+strconv.FormatUint(uint64(id), 10), &out)
	return out, err
}

// Interaction fetches an interaction by address.
func (c *Client) Interaction(ctx context.Context, address string) (Interaction, error) {
	var out Interaction
	err := c.get(ctx, "/api/v1/interactions/"+url.PathEscape(address), &out)
	return out, err
}

// WaitTaskExecuted polls until the task with id is no longer queued.
func (c *Client) WaitTaskExecuted(ctx context.Context, id uint16, interval time.Duration) error {
	return poll(ctx, interval, func() (bool, error) {
		_, err := c.Task(ctx, id)
		if IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}

// WaitInteractionCompleted polls until the oracle has answered the
// interaction and returns its final state.
func (c *Client) WaitInteractionCompleted(ctx context.Context, address string, interval time.Duration) (Interaction, error) {
	var last Interaction
	err := poll(ctx, interval, func() (bool, error) {
		current, err := c.Interaction(ctx, address)
		if err != nil {
			return false, err
		}
		last = current
		return last.Status == StatusCompleted, nil
	})
	return last, err
}

func poll(ctx context.Context, interval time.Duration, done func() (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
