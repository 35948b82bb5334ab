// Package ipc exposes the task manager to worker processes over a Unix
// domain socket. Frames are a 4-byte big-endian length followed by a JSON
// payload; each request receives exactly one response on the same connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/taskd/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (64 KiB).
const MaxMessageSize = 64 << 10

// Request operations.
const (
	OpGet    = "get"
	OpUpdate = "update"
)

// Request is sent from a worker to the server.
type Request struct {
	Op     string       `json:"op"`
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status,omitempty"`
}

// Response answers a single Request. OK reports whether the lookup found the
// task or the update was applied; Error is set only for malformed requests.
type Response struct {
	OK    bool        `json:"ok"`
	Task  *model.Task `json:"task,omitempty"`
	Error string      `json:"error,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame keeps concurrent writers from interleaving.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
