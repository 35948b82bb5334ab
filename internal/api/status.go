package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/taskd/internal/notify"
)

// wsWriteWait bounds each WebSocket write.
const wsWriteWait = 10 * time.Second

// wsCloseCode maps a stream close reason to a WebSocket close code.
func wsCloseCode(c notify.Close) int {
	switch c {
	case notify.CloseNormal:
		return websocket.CloseNormalClosure
	case notify.CloseNotFound:
		return websocket.ClosePolicyViolation
	case notify.CloseInternalError:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseGoingAway
	}
}

func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()
	defer trackStream(transportWebSocket)()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so control messages are processed and a closed
	// connection ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sink := notify.SinkFunc(func(_ context.Context, u notify.Update) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(u)
	})

	reason, err := s.deps.Notifier.Stream(ctx, id, sink)
	if err != nil {
		s.logger.Debug("status stream interrupted", "task_id", id, "error", err)
	}

	msg := websocket.FormatCloseMessage(wsCloseCode(reason), reason.String())
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("write close frame", "task_id", id, "error", err)
	}
}

func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	if !s.deps.Notifier.Exists(r.Context(), id) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	defer trackStream(transportSSE)()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	sink := notify.SinkFunc(func(_ context.Context, u notify.Update) error {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal update: %w", err)
		}
		if err := writeSSEData(w, string(data)); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})

	reason, err := s.deps.Notifier.Stream(r.Context(), id, sink)
	if err != nil || r.Context().Err() != nil {
		return // Client gone.
	}

	_ = writeSSEEvent(w, "close", reason.String())
	if canFlush {
		flusher.Flush()
	}
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
