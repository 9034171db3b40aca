package api

import (
	"encoding/json"
	"net/http"
	"time"

	"taskfleet/internal/core"

	"github.com/robfig/cron/v3"
)

type schedulePreviewRequest struct {
	Frequency int    `json:"frequency"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Now       string `json:"now,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleSchedulePreview lists the next fire times a task with these fields would get.
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	loc := s.engine.Location()
	if req.Frequency < 0 {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: "frequency must be non-negative"})
		return
	}
	start, err := core.ParseDate(req.StartDate, loc)
	if err != nil {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: "start_date: " + err.Error()})
		return
	}
	end, err := core.ParseDate(req.EndDate, loc)
	if err != nil {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: "end_date: " + err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	base := time.Now().In(loc)
	if req.Now != "" {
		if parsed, err := core.ParseDate(req.Now, loc); err == nil && parsed != nil {
			base = *parsed
		}
	}

	var schedule cron.Schedule
	switch {
	case req.Frequency > 0:
		anchor := base.Add(time.Duration(req.Frequency) * time.Second)
		if start != nil {
			anchor = *start
		}
		schedule = core.NewIntervalSchedule(time.Duration(req.Frequency)*time.Second, anchor, end)
	case start != nil:
		schedule = core.NewOnceSchedule(*start)
	default:
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: "a one-shot task needs a start_date"})
		return
	}

	times := core.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, core.FormatRuntime(t))
	}
	writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: true, NextTimes: formatted})
}
