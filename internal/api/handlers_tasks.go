package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"taskfleet/internal/core"

	"github.com/go-chi/chi/v5"
)

type upsertTaskRequest struct {
	Name           string   `json:"name"`
	Job            string   `json:"job"`
	Devices        []string `json:"devices"`
	Groups         []string `json:"groups"`
	Frequency      int      `json:"frequency"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	WaitingTime    int      `json:"waiting_time"`
	RunImmediately bool     `json:"run_immediately"`
	DoNotRun       bool     `json:"do_not_run"`
}

func (req upsertTaskRequest) definition() core.TaskDefinition {
	return core.TaskDefinition{
		Name:           req.Name,
		Job:            req.Job,
		Devices:        req.Devices,
		Groups:         req.Groups,
		Frequency:      req.Frequency,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		WaitingTime:    req.WaitingTime,
		RunImmediately: req.RunImmediately,
		DoNotRun:       req.DoNotRun,
	}
}

func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	var req upsertTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.Upsert(r.Context(), req.definition())
	if err != nil {
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, "invalid_input", cfgErr.Error())
			return
		}
		if task == nil {
			s.logger.Error("upsert task", "task", req.Name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save task")
			return
		}
		s.logger.Error("schedule task", "task", req.Name, "err", err)
	}
	s.writeTask(w, r, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusActive, core.TaskStatusSuspended:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or suspended")
			return
		}
	}
	tasks, err := s.store.ListTasks(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, core.Properties(t, s.engine.Location()))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.writeTask(w, r, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.engine.Delete(r.Context(), task); err != nil {
		s.logger.Error("delete task", "task", task.Base().Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(r.Context(), task); err != nil {
		s.logger.Error("pause task", "task", task.Base().Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to pause task")
		return
	}
	writeJSON(w, http.StatusOK, core.Properties(task, s.engine.Location()))
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.engine.Resume(r.Context(), task); err != nil {
		s.logger.Error("resume task", "task", task.Base().Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resume task")
		return
	}
	writeJSON(w, http.StatusOK, core.Properties(task, s.engine.Location()))
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	runtime := s.engine.RunNow(task)
	writeJSON(w, http.StatusAccepted, map[string]string{"task": task.Base().Name, "runtime": runtime})
}

// handleTaskLogs returns the task's log store as a runtime -> entry object.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ListTaskLogs(r.Context(), task.Base().ID)
	if err != nil {
		s.logger.Error("list task logs", "task", task.Base().Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list logs")
		return
	}
	res := make(map[string]json.RawMessage, len(logs))
	for _, entry := range logs {
		res[entry.Runtime] = entry.Entry
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (core.Task, bool) {
	name := chi.URLParam(r, "name")
	task, err := s.store.GetTaskByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task", name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return nil, false
	}
	return task, true
}

func (s *Server) writeTask(w http.ResponseWriter, r *http.Request, status int, task core.Task) {
	props, err := s.engine.Serialize(r.Context(), task)
	if err != nil {
		s.logger.Error("serialize task", "task", task.Base().Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to serialize task")
		return
	}
	writeJSON(w, status, props)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
