package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/task"
)

// Server answers worker requests against a task manager.
type Server struct {
	listener net.Listener
	tasks    *task.Manager
	logger   *slog.Logger
	path     string

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds a Unix socket at path. A stale socket file left by a previous
// run is removed first; the socket is readable only by the owner.
func Listen(path string, tasks *task.Manager, logger *slog.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener: ln,
		tasks:    tasks,
		logger:   logger,
		path:     path,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Path returns the socket path workers should dial.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until Close is called. It returns nil after Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handleConnection(conn)
		})
	}
}

// Close stops accepting, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// handleConnection serves requests on conn until the peer disconnects.
func (s *Server) handleConnection(conn net.Conn) {
	ctx := context.Background()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("ipc read failed", "error", err)
			}
			return
		}

		resp := s.handle(ctx, req)
		if err := WriteMessage(conn, &resp); err != nil {
			s.logger.Warn("ipc write failed", "task_id", req.TaskID, "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	if req.TaskID == "" {
		return Response{Error: "task_id is required"}
	}

	switch req.Op {
	case OpGet:
		t, ok := s.tasks.GetTask(ctx, req.TaskID)
		if !ok {
			return Response{}
		}
		return Response{OK: true, Task: &t}

	case OpUpdate:
		if _, err := model.ParseStatus(string(req.Status)); err != nil {
			return Response{Error: err.Error()}
		}
		ok := s.tasks.UpdateTask(ctx, req.TaskID, req.Status)
		resp := Response{OK: ok}
		if t, found := s.tasks.GetTask(ctx, req.TaskID); found {
			resp.Task = &t
		}
		s.logger.Debug("worker status report",
			"task_id", req.TaskID, "status", req.Status, "applied", ok)
		return resp

	default:
		return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
