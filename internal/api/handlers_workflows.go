package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"taskfleet/internal/core"

	"github.com/go-chi/chi/v5"
)

type upsertWorkflowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// StartTask names the entry task; empty leaves the workflow without one.
	StartTask string `json:"start_task"`
}

type edgeRequest struct {
	Source      string `json:"source"`
	Outcome     string `json:"outcome"`
	Destination string `json:"destination"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.logger.Error("list workflows", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list workflows")
		return
	}
	res := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		res = append(res, core.WorkflowProperties(wf))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpsertWorkflow(w http.ResponseWriter, r *http.Request) {
	var req upsertWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	wf := &core.Workflow{Name: req.Name, Description: req.Description}
	if start := strings.TrimSpace(req.StartTask); start != "" {
		task, err := s.store.GetTaskByName(r.Context(), start)
		if err != nil {
			if errors.Is(err, core.ErrTaskNotFound) {
				writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("start task %q not found", start))
				return
			}
			s.logger.Error("get start task", "task", start, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load start task")
			return
		}
		id := task.Base().ID
		wf.StartTaskID = &id
	}
	if err := s.store.UpsertWorkflow(r.Context(), wf); err != nil {
		s.logger.Error("upsert workflow", "workflow", req.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save workflow")
		return
	}
	s.writeWorkflow(w, r, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	s.writeWorkflow(w, r, wf)
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	edge, ok := s.decodeEdge(w, r, wf)
	if !ok {
		return
	}
	if err := s.store.AddEdge(r.Context(), edge); err != nil {
		s.logger.Error("add edge", "workflow", wf.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to add edge")
		return
	}
	s.writeWorkflow(w, r, wf)
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	edge, ok := s.decodeEdge(w, r, wf)
	if !ok {
		return
	}
	removed, err := s.store.RemoveEdge(r.Context(), edge)
	if err != nil {
		s.logger.Error("remove edge", "workflow", wf.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to remove edge")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "edge not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeEdge(w http.ResponseWriter, r *http.Request, wf *core.Workflow) (core.Edge, bool) {
	var req edgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return core.Edge{}, false
	}
	outcome := core.Outcome(strings.ToLower(strings.TrimSpace(req.Outcome)))
	if !outcome.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "outcome must be success or failure")
		return core.Edge{}, false
	}
	edge := core.Edge{WorkflowID: wf.ID, Outcome: outcome}
	for _, end := range []struct {
		name string
		dst  *int64
	}{{req.Source, &edge.SourceID}, {req.Destination, &edge.DestinationID}} {
		task, err := s.store.GetTaskByName(r.Context(), strings.TrimSpace(end.name))
		if err != nil {
			if errors.Is(err, core.ErrTaskNotFound) {
				writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("task %q not found", end.name))
			} else {
				s.logger.Error("get edge task", "task", end.name, "err", err)
				writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
			}
			return core.Edge{}, false
		}
		*end.dst = task.Base().ID
	}
	return edge, true
}

func (s *Server) loadWorkflow(w http.ResponseWriter, r *http.Request) (*core.Workflow, bool) {
	name := chi.URLParam(r, "name")
	wf, err := s.store.GetWorkflow(r.Context(), name)
	if err != nil {
		if errors.Is(err, core.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "workflow not found")
		} else {
			s.logger.Error("get workflow", "workflow", name, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load workflow")
		}
		return nil, false
	}
	return wf, true
}

func (s *Server) writeWorkflow(w http.ResponseWriter, r *http.Request, wf *core.Workflow) {
	props, err := s.store.DescribeWorkflow(r.Context(), wf)
	if err != nil {
		s.logger.Error("describe workflow", "workflow", wf.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load workflow edges")
		return
	}
	writeJSON(w, http.StatusOK, props)
}
