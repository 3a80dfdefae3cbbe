package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalscript/loader"
	"github.com/petal-labs/petalscript/schedule"
)

type scheduleRequest struct {
	Cron      string         `json:"cron,omitempty"`
	Enabled   *bool          `json:"enabled,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	MaxSteps  *int           `json:"max_steps,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	graphID := r.PathValue("id")
	if !s.schedulesConfigured(w) || !s.graphExists(r.Context(), graphID, w) {
		return
	}

	schedules, err := s.schedules.List(r.Context(), graphID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if schedules == nil {
		schedules = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	graphID := r.PathValue("id")
	if !s.schedulesConfigured(w) || !s.graphExists(r.Context(), graphID, w) {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	sched := schedule.Schedule{
		ID:        uuid.NewString(),
		GraphID:   graphID,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := applyScheduleRequest(sched, req, true, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}

	if err := s.schedules.Create(r.Context(), created); err != nil {
		if errors.Is(err, schedule.ErrScheduleExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("schedule %q already exists", created.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	next, err := applyScheduleRequest(existing, req, false, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	next.UpdatedAt = now

	if err := s.schedules.Update(r.Context(), next); err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", next.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	if err := s.schedules.Delete(r.Context(), sched.ID); err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", sched.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadSchedule resolves the {id}/{schedule_id} path pair. A schedule of
// another graph is reported as not found.
func (s *Server) loadSchedule(w http.ResponseWriter, r *http.Request) (schedule.Schedule, bool) {
	graphID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	if !s.schedulesConfigured(w) || !s.graphExists(r.Context(), graphID, w) {
		return schedule.Schedule{}, false
	}

	sched, found, err := s.schedules.Get(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return schedule.Schedule{}, false
	}
	if !found || sched.GraphID != graphID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return schedule.Schedule{}, false
	}
	return sched, true
}

func (s *Server) schedulesConfigured(w http.ResponseWriter) bool {
	if s.schedules == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "schedules are not configured")
		return false
	}
	return true
}

func (s *Server) graphExists(ctx context.Context, graphID string, w http.ResponseWriter) bool {
	_, found, err := s.store.Get(ctx, graphID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", graphID))
		return false
	}
	return true
}

// applyScheduleRequest merges req into base. The next run time is
// recomputed when the schedule is created, its cron changes, or it is
// re-enabled.
func applyScheduleRequest(base schedule.Schedule, req scheduleRequest, creating bool, now time.Time) (schedule.Schedule, error) {
	currentCron := base.Cron
	wasEnabled := base.Enabled

	if cleanCron := strings.TrimSpace(req.Cron); cleanCron != "" {
		base.Cron = cleanCron
	}
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	if req.Variables != nil {
		loader.NormalizeValues(req.Variables)
		base.Variables = req.Variables
	}
	if req.MaxSteps != nil {
		base.MaxSteps = *req.MaxSteps
	}

	if strings.TrimSpace(base.Cron) == "" {
		return schedule.Schedule{}, errors.New("cron is required")
	}
	if err := schedule.Validate(base); err != nil {
		return schedule.Schedule{}, err
	}

	cronChanged := currentCron != "" && currentCron != base.Cron
	if base.Enabled && (creating || cronChanged || !wasEnabled || base.NextRunAt.IsZero()) {
		next, err := schedule.NextRun(base.Cron, now)
		if err != nil {
			return schedule.Schedule{}, err
		}
		base.NextRunAt = next
	}
	return base, nil
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
