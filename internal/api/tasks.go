package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskd/internal/model"
)

// taskResponse is returned by the start and stop endpoints.
type taskResponse struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
}

type idResponse struct {
	TaskID string `json:"task_id"`
}

type listEntry struct {
	Status model.Status `json:"status"`
}

func (s *Server) handleGetID(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, idResponse{TaskID: s.deps.IDs.NewID()})
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	if cur, ok := s.deps.Tasks.GetTask(r.Context(), id); ok {
		s.writeError(w, http.StatusConflict, "task already exists with status "+string(cur.Status))
		return
	}

	t := s.deps.Tasks.AddTask(r.Context(), id)
	if t.ID == "" {
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	s.deps.Queue.Enqueue(id)
	s.deps.Scheduler.Wake()

	s.logger.Info("task queued", "task_id", id)
	s.writeJSON(w, http.StatusOK, taskResponse{TaskID: id, Status: t.Status})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	if s.deps.Tasks.UpdateTask(r.Context(), id, model.StatusCancelled) {
		// Wake the scheduler so a running worker is reaped promptly.
		s.deps.Scheduler.Wake()
		s.logger.Info("task stopped", "task_id", id)
		s.writeJSON(w, http.StatusOK, taskResponse{TaskID: id, Status: model.StatusCancelled})
		return
	}

	cur, ok := s.deps.Tasks.GetTask(r.Context(), id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeError(w, http.StatusConflict, "task already "+string(cur.Status))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Tasks.ListTasks(r.Context())
	resp := make(map[string]listEntry, len(tasks))
	for _, t := range tasks {
		resp[t.ID] = listEntry{Status: t.Status}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Workers.Workers(r.Context()))
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
