package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/seantiz/taskd/internal/model"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ErrRemote is wrapped around errors reported by the server.
var ErrRemote = errors.New("ipc server error")

// Client is a worker-side connection to the task store. It is safe for
// concurrent use; requests are serialized on the single connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the server socket at path, retrying with exponential
// backoff while the socket is not yet reachable.
func Dial(ctx context.Context, path string) (*Client, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial store: %w", ctx.Err())
		default:
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return &Client{conn: conn}, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial store: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial store after %d attempts: %w", dialMaxRetries, lastErr)
}

// GetTask reads the current value of id. The bool is false if it is absent.
func (c *Client) GetTask(ctx context.Context, id string) (model.Task, bool, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpGet, TaskID: id})
	if err != nil {
		return model.Task{}, false, err
	}
	if !resp.OK || resp.Task == nil {
		return model.Task{}, false, nil
	}
	return *resp.Task, true, nil
}

// UpdateTask asks the server to move id to status. It reports whether the
// transition was applied.
func (c *Client) UpdateTask(ctx context.Context, id string, status model.Status) (bool, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpUpdate, TaskID: id, Status: status})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}

	if err := WriteMessage(c.conn, &req); err != nil {
		return Response{}, fmt.Errorf("send %s request: %w", req.Op, err)
	}

	var resp Response
	if err := ReadMessage(c.conn, &resp); err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", req.Op, err)
	}
	if resp.Error != "" {
		return Response{}, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp, nil
}
