// Package client talks to the calcqueue HTTP API. It submits operand pairs, runs and
// polls jobs, and follows the completed-job stream over the event stream or WebSocket
// endpoint, reconnecting with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultInitialBackoff = time.Second
	defaultMaxReconnects  = 5
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calcqueue api: %d %s: %s", e.Status, e.Code, e.Message)
}

// SubmitResponse is returned by Submit.
type SubmitResponse struct {
	JobIDs []uuid.UUID   `json:"job_ids"`
	Jobs   []*models.Job `json:"jobs"`
}

// RunResponse is returned by Run.
type RunResponse struct {
	Message string  `json:"message"`
	Result  float64 `json:"result"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL        string
	http           *http.Client
	logger         *slog.Logger
	requestTimeout time.Duration
	initialBackoff time.Duration
	maxReconnects  uint64
	onConnect      func(transport string)
}

type Option func(*Client)

// WithHTTPClient replaces the default client. It must not set a Timeout, since streams
// stay open indefinitely; per-call timeouts come from WithRequestTimeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithReconnect sets the first reconnect delay and how many reconnects a stream makes
// before giving up.
func WithReconnect(initial time.Duration, maxAttempts uint64) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxReconnects = maxAttempts
	}
}

// WithConnectHook registers fn to run each time a stream connects. The server attaches
// the observer before answering, so anything committed after fn runs is delivered.
func WithConnectHook(fn func(transport string)) Option {
	return func(c *Client) {
		if fn != nil {
			c.onConnect = fn
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		initialBackoff: defaultInitialBackoff,
		maxReconnects:  defaultMaxReconnects,
		onConnect:      func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends the operands as text; the server does the number validation.
func (c *Client) Submit(ctx context.Context, a, b string) (*SubmitResponse, error) {
	var out SubmitResponse
	body := map[string]string{"number_a": a, "number_b": b}
	if err := c.do(ctx, http.MethodPost, "/api/v1/calculations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run asks the server to execute one pending job and waits for its outcome.
func (c *Client) Run(ctx context.Context, id uuid.UUID) (*RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id.String()+"/run", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchUpdates returns the current state of ids. It satisfies progress.Fetcher.
func (c *Client) FetchUpdates(ctx context.Context, ids []uuid.UUID) ([]models.Update, error) {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = id.String()
	}
	var out []models.Update
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/updates", map[string][]string{"job_ids": ss}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JobStatus returns the server's status hint for one job.
func (c *Client) JobStatus(ctx context.Context, id uuid.UUID) (models.Status, error) {
	var out struct {
		Status models.Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id.String()+"/status", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Progress returns the latest job per operation across all submissions.
func (c *Client) Progress(ctx context.Context) (models.ProgressView, error) {
	var out models.ProgressView
	if err := c.do(ctx, http.MethodGet, "/api/v1/progress", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
