package api

import (
	"net/http"

	"taskfleet/internal/core"
)

type jobResponse struct {
	ID        string `json:"id"`
	Task      string `json:"task"`
	Recurring bool   `json:"recurring"`
	Paused    bool   `json:"paused"`
	Next      string `json:"next,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list devices")
		return
	}
	if devices == nil {
		devices = []core.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.logger.Error("list groups", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list groups")
		return
	}
	for i := range groups {
		if groups[i].Members == nil {
			groups[i].Members = []string{}
		}
	}
	if groups == nil {
		groups = []core.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context())
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list scripts")
		return
	}
	res := make([]map[string]any, 0, len(scripts))
	for _, sc := range scripts {
		res = append(res, core.ScriptProperties(sc))
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListJobs shows what the scheduler service currently holds.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.Jobs()
	res := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		item := jobResponse{ID: j.ID, Task: j.TaskName, Recurring: j.Recurring, Paused: j.Paused}
		if !j.Next.IsZero() {
			item.Next = core.FormatRuntime(j.Next.In(s.engine.Location()))
		}
		res = append(res, item)
	}
	writeJSON(w, http.StatusOK, res)
}
