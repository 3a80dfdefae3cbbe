package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/loader"
	"github.com/petal-labs/petalscript/runtime"
)

// RunRequest is the JSON body for POST /api/graphs/{id}/run. Every field
// is optional.
type RunRequest struct {
	// Variables override the graph's initial variable values.
	Variables map[string]any `json:"variables,omitempty"`
	MaxSteps  int            `json:"max_steps,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`

	// Wait makes the request block until the run ends.
	Wait bool `json:"wait,omitempty"`
}

// InlineRunRequest is the JSON body for POST /api/runs.
type InlineRunRequest struct {
	Graph json.RawMessage `json:"graph"`
	RunRequest
}

// RunHistoryResponse summarizes a run for listings.
type RunHistoryResponse struct {
	RunID       string     `json:"run_id"`
	GraphID     string     `json:"graph_id,omitempty"`
	Status      string     `json:"status"`
	Trigger     string     `json:"trigger,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Steps       int        `json:"steps,omitempty"`
	Error       string     `json:"error,omitempty"`
	Events      int        `json:"events,omitempty"`
}

// RunExportResponse is a run summary with all persisted events.
type RunExportResponse struct {
	Run    RunHistoryResponse `json:"run"`
	Events []runtime.Event    `json:"events"`
}

// handleRunGraph runs a stored graph.
func (s *Server) handleRunGraph(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decodeRunBody(w, r, &req) {
		return
	}
	plan, err := s.planStoredRun(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeRunAPIError(w, err)
		return
	}
	s.launch(w, r, plan, req.Wait)
}

// handleRunInline validates and runs a graph sent in the request body.
func (s *Server) handleRunInline(w http.ResponseWriter, r *http.Request) {
	var req InlineRunRequest
	if !decodeRunBody(w, r, &req) {
		return
	}
	if len(req.Graph) == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_GRAPH", "graph is required")
		return
	}
	def, err := loader.Parse(req.Graph, "graph.json")
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if diags, err := loader.Check(def, s.registry); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "graph validation failed", diagMessages(diags)...)
		return
	}

	plan, err := s.planRun(def, req.RunRequest)
	if err != nil {
		writeRunAPIError(w, err)
		return
	}
	s.launch(w, r, plan, req.Wait)
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request, plan runPlan, wait bool) {
	rs, err := s.startRun(plan)
	if err != nil {
		writeRunAPIError(w, err)
		return
	}
	w.Header().Set("Location", "/api/runs/"+rs.runID)

	if !wait {
		writeJSON(w, http.StatusAccepted, rs.response())
		return
	}
	select {
	case <-rs.done:
		writeJSON(w, http.StatusOK, rs.response())
	case <-r.Context().Done():
		// Client went away; the run continues in the background.
	}
}

// handleCancelRun requests cooperative cancellation of an active run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	rs, ok := s.lookupRun(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q is not known to this server", runID))
		return
	}
	if !rs.active() {
		writeError(w, http.StatusConflict, "RUN_FINISHED", fmt.Sprintf("run %q has already finished", runID))
		return
	}
	rs.engine.RequestCancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// handleGetRun returns a run: live state and results for runs of this
// server, or the persisted summary otherwise.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if rs, ok := s.lookupRun(runID); ok {
		writeJSON(w, http.StatusOK, rs.response())
		return
	}
	if s.eventStore == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}

	events, err := s.eventStore.List(r.Context(), runID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	summary, ok := summarizeRunEvents(runID, events)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, s.reconcileRunSummary(summary, events))
}

// handleListRuns lists runs, most recent first. The optional status and
// graph_id query parameters filter the list.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.collectRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	graphFilter := strings.TrimSpace(r.URL.Query().Get("graph_id"))

	out := make([]RunHistoryResponse, 0, len(runs))
	for _, run := range runs {
		if statusFilter != "" && strings.ToLower(run.Status) != statusFilter {
			continue
		}
		if graphFilter != "" && run.GraphID != graphFilter {
			continue
		}
		out = append(out, run)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) collectRuns(ctx context.Context) ([]RunHistoryResponse, error) {
	byID := make(map[string]RunHistoryResponse)

	if s.eventStore != nil {
		summaries, err := s.eventStore.Runs(ctx)
		if err != nil {
			return nil, err
		}
		for _, rs := range summaries {
			first, err := s.eventStore.List(ctx, rs.RunID, 0, 1)
			if err != nil {
				return nil, err
			}
			byID[rs.RunID] = s.historyFromSummary(rs, first)
		}
	}

	s.runsMu.RLock()
	for id, rs := range s.runs {
		resp := rs.response()
		h := RunHistoryResponse{
			RunID:       resp.RunID,
			GraphID:     resp.GraphID,
			Status:      resp.Status,
			Trigger:     resp.Trigger,
			StartedAt:   resp.StartedAt,
			CompletedAt: resp.CompletedAt,
			DurationMs:  resp.DurationMs,
			Steps:       resp.Steps,
			Error:       resp.Error,
		}
		if stored, ok := byID[id]; ok {
			h.Events = stored.Events
		}
		byID[id] = h
	}
	s.runsMu.RUnlock()

	out := make([]RunHistoryResponse, 0, len(byID))
	for _, h := range byID {
		out = append(out, h)
	}
	return out, nil
}

func (s *Server) historyFromSummary(rs bus.RunSummary, first []runtime.Event) RunHistoryResponse {
	h := RunHistoryResponse{
		RunID:     rs.RunID,
		Status:    rs.Status,
		StartedAt: rs.FirstSeen.UTC(),
		Events:    rs.Events,
	}
	if len(first) > 0 && first[0].Kind == runtime.EventRunStarted {
		h.GraphID = payloadString(first[0].Payload, "graph")
		h.Trigger = payloadString(first[0].Payload, "trigger")
	}
	if rs.Status != bus.StatusRunning {
		completed := rs.LastSeen.UTC()
		h.CompletedAt = &completed
		h.DurationMs = completed.Sub(h.StartedAt).Milliseconds()
	}
	return s.reconcileRunSummary(h, nil)
}

// handleExportRun exports a run summary and all persisted events.
func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	runID := strings.TrimSpace(r.PathValue("run_id"))
	events, err := s.eventStore.List(r.Context(), runID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	summary, ok := summarizeRunEvents(runID, events)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, RunExportResponse{
		Run:    s.reconcileRunSummary(summary, events),
		Events: events,
	})
}

// reconcileRunSummary marks a persisted run that never finished, and is
// not running on this server, as failed.
func (s *Server) reconcileRunSummary(summary RunHistoryResponse, events []runtime.Event) RunHistoryResponse {
	if summary.Status != RunStatusRunning || s.isRunActive(summary.RunID) {
		return summary
	}

	summary.Status = RunStatusFailed
	if summary.Error == "" {
		summary.Error = "run ended without a run.finished event"
	}
	if summary.CompletedAt == nil {
		last := latestEventTime(events)
		if last.IsZero() {
			last = summary.StartedAt
		}
		completedAt := last.UTC()
		summary.CompletedAt = &completedAt
	}
	if summary.DurationMs == 0 && summary.CompletedAt != nil {
		if delta := summary.CompletedAt.Sub(summary.StartedAt); delta > 0 {
			summary.DurationMs = delta.Milliseconds()
		}
	}
	return summary
}

func summarizeRunEvents(runID string, events []runtime.Event) (RunHistoryResponse, bool) {
	if len(events) == 0 {
		return RunHistoryResponse{}, false
	}

	summary := RunHistoryResponse{
		RunID:     runID,
		Status:    RunStatusRunning,
		StartedAt: events[0].Time.UTC(),
		Events:    len(events),
	}
	for _, event := range events {
		switch event.Kind {
		case runtime.EventRunStarted:
			if event.Time.Before(summary.StartedAt) {
				summary.StartedAt = event.Time.UTC()
			}
			summary.GraphID = payloadString(event.Payload, "graph")
			summary.Trigger = payloadString(event.Payload, "trigger")

		case runtime.EventRunFinished:
			completedAt := event.Time.UTC()
			summary.CompletedAt = &completedAt
			summary.Status = RunStatusCompleted
			if status := payloadString(event.Payload, "status"); status != "" {
				summary.Status = status
			}
			summary.Error = payloadString(event.Payload, "error")
			summary.Steps = event.Step
			if event.Elapsed > 0 {
				summary.DurationMs = event.Elapsed.Milliseconds()
			}
		}
	}

	if summary.CompletedAt != nil && summary.DurationMs == 0 {
		if delta := summary.CompletedAt.Sub(summary.StartedAt); delta > 0 {
			summary.DurationMs = delta.Milliseconds()
		}
	}
	return summary, true
}

func latestEventTime(events []runtime.Event) time.Time {
	var latest time.Time
	for _, event := range events {
		if event.Time.After(latest) {
			latest = event.Time
		}
	}
	return latest
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}

// decodeRunBody decodes an optional JSON run body. Numbers in variables
// become int or float64.
func decodeRunBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return false
	}
	switch req := dest.(type) {
	case *RunRequest:
		loader.NormalizeValues(req.Variables)
	case *InlineRunRequest:
		loader.NormalizeValues(req.Variables)
	}
	return true
}
