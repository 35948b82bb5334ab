// Package client is a Go client for the taskd HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/notify"
)

// DefaultAddr is the server address used when none is configured.
const DefaultAddr = "http://127.0.0.1:8000"

var (
	// ErrNotFound is returned when the server does not know the task.
	ErrNotFound = errors.New("task not found")
	// ErrTaskFailed is returned by Follow when the task ends in failed.
	ErrTaskFailed = errors.New("task failed")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold for 404 responses.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// TaskState is the body returned by start and stop.
type TaskState struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
}

// Health is the body returned by the health endpoint.
type Health struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// Client talks to one taskd server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// New returns a client for addr, which may be a URL or a bare host:port.
func New(addr string) (*Client, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: websocket.DefaultDialer,
	}, nil
}

// GetID asks the server for a fresh task id.
func (c *Client) GetID(ctx context.Context) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/getid", &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Start queues the task id.
func (c *Client) Start(ctx context.Context, id string) (TaskState, error) {
	var resp TaskState
	err := c.do(ctx, http.MethodPost, "/tasks/start/"+url.PathEscape(id), &resp)
	return resp, err
}

// Stop cancels the task id.
func (c *Client) Stop(ctx context.Context, id string) (TaskState, error) {
	var resp TaskState
	err := c.do(ctx, http.MethodPost, "/tasks/stop/"+url.PathEscape(id), &resp)
	return resp, err
}

// List returns every tracked task and its status.
func (c *Client) List(ctx context.Context) (map[string]model.Status, error) {
	var resp map[string]struct {
		Status model.Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/list", &resp); err != nil {
		return nil, err
	}
	out := make(map[string]model.Status, len(resp))
	for id, e := range resp {
		out[id] = e.Status
	}
	return out, nil
}

// Health reports server liveness.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "/tasks/health", &resp)
	return resp, err
}

// Workers lists the live worker processes.
func (c *Client) Workers(ctx context.Context) ([]model.WorkerInfo, error) {
	var resp []model.WorkerInfo
	err := c.do(ctx, http.MethodGet, "/tasks/workers", &resp)
	return resp, err
}

// Follow streams status updates for id over WebSocket, calling fn for each,
// until the server closes the stream. It returns nil when the task completed
// or was cancelled, ErrTaskFailed when it failed and ErrNotFound when the
// server does not know it.
func (c *Client) Follow(ctx context.Context, id string, fn func(notify.Update) error) error {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/ws/" + url.PathEscape(id)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var upd notify.Update
		err := conn.ReadJSON(&upd)
		if err == nil {
			if err := fn(upd); err != nil {
				return err
			}
			continue
		}

		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read status: %w", err)
		}
		switch ce.Code {
		case websocket.CloseNormalClosure:
			return nil
		case websocket.ClosePolicyViolation:
			return ErrNotFound
		case websocket.CloseInternalServerErr:
			return ErrTaskFailed
		default:
			return fmt.Errorf("status stream closed: %w", err)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
