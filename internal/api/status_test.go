package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/notify"
)

func dialStatus(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readUntilClose collects updates until the server closes the stream.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]notify.Update, *websocket.CloseError) {
	t.Helper()
	var updates []notify.Update
	for {
		var u notify.Update
		err := conn.ReadJSON(&u)
		if err == nil {
			updates = append(updates, u)
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return updates, ce
		}
		t.Fatalf("read: %v", err)
	}
}

func TestStatusWebSocketUnknownTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	updates, ce := readUntilClose(t, dialStatus(t, ts, "ghost"))
	if len(updates) != 0 {
		t.Errorf("updates = %v, want none", updates)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestStatusWebSocketTerminalStates(t *testing.T) {
	tests := []struct {
		status model.Status
		code   int
	}{
		{model.StatusCompleted, websocket.CloseNormalClosure},
		{model.StatusCancelled, websocket.CloseNormalClosure},
		{model.StatusFailed, websocket.CloseInternalServerErr},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			srv.deps.Tasks.AddTaskWithStatus(context.Background(), "task1", tt.status)

			updates, ce := readUntilClose(t, dialStatus(t, ts, "task1"))
			if len(updates) != 1 || updates[0].Status != tt.status || updates[0].TaskID != "task1" {
				t.Errorf("updates = %+v, want one %s update", updates, tt.status)
			}
			if ce.Code != tt.code {
				t.Errorf("close code = %d, want %d", ce.Code, tt.code)
			}
		})
	}
}

func TestStatusWebSocketFollowsTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	srv.deps.Tasks.AddTaskWithStatus(ctx, "task1", model.StatusRunning)
	conn := dialStatus(t, ts, "task1")

	var first notify.Update
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first update: %v", err)
	}
	if first.Status != model.StatusRunning {
		t.Errorf("first status = %q, want running", first.Status)
	}

	srv.deps.Tasks.UpdateTask(ctx, "task1", model.StatusCompleted)

	updates, ce := readUntilClose(t, conn)
	if len(updates) == 0 || updates[len(updates)-1].Status != model.StatusCompleted {
		t.Errorf("updates = %+v, want final completed", updates)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
}

func TestStatusWebSocketTaskRemoved(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	srv.deps.Tasks.AddTaskWithStatus(ctx, "task1", model.StatusRunning)
	conn := dialStatus(t, ts, "task1")

	var first notify.Update
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first update: %v", err)
	}
	srv.deps.Tasks.RemoveTask(ctx, "task1")

	_, ce := readUntilClose(t, conn)
	if ce.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestStatusEventsUnknownTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := get(t, ts.URL+"/tasks/events/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatusEventsStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	srv.deps.Tasks.AddTaskWithStatus(ctx, "task1", model.StatusRunning)

	resp := get(t, ts.URL+"/tasks/events/task1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	completed := false
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if !completed && strings.HasPrefix(line, "data: ") {
			srv.deps.Tasks.UpdateTask(ctx, "task1", model.StatusCompleted)
			completed = true
		}
	}

	body := strings.Join(lines, "\n")
	if !strings.Contains(body, `data: {"task_id":"task1","status":"running"}`) {
		t.Errorf("stream missing running update:\n%s", body)
	}
	if !strings.Contains(body, `data: {"task_id":"task1","status":"completed"}`) {
		t.Errorf("stream missing completed update:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "event: close\ndata: normal") {
		t.Errorf("stream does not end with close event:\n%s", body)
	}
}
