package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/runtime"
	"github.com/petal-labs/petalscript/schedule"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

type runAPIError struct {
	Status  int
	Code    string
	Message string
}

func (e *runAPIError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// runPlan is everything needed to start one run.
type runPlan struct {
	def       *graph.Definition
	vars      map[string]any
	maxSteps  int
	timeout   time.Duration
	trigger   string
	decorator runtime.EventEmitterDecorator
}

// runState tracks one run started by this server. Fields below done are
// written before done is closed.
type runState struct {
	runID     string
	graphID   string
	trigger   string
	startedAt time.Time
	engine    *runtime.Engine
	done      chan struct{}

	completedAt time.Time
	result      *runtime.RunResult
	err         error
}

func (rs *runState) active() bool {
	select {
	case <-rs.done:
		return false
	default:
		return true
	}
}

// RunResponse describes a run known to this server.
type RunResponse struct {
	RunID       string                 `json:"run_id"`
	GraphID     string                 `json:"graph_id,omitempty"`
	Status      string                 `json:"status"`
	Trigger     string                 `json:"trigger,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	Steps       int                    `json:"steps,omitempty"`
	Error       string                 `json:"error,omitempty"`
	FailedNode  string                 `json:"failed_node,omitempty"`
	Results     map[string]core.Values `json:"results,omitempty"`
	Variables   map[string]any         `json:"variables,omitempty"`
}

func (rs *runState) response() RunResponse {
	resp := RunResponse{
		RunID:     rs.runID,
		GraphID:   rs.graphID,
		Status:    RunStatusRunning,
		Trigger:   rs.trigger,
		StartedAt: rs.startedAt,
	}
	if rs.active() {
		return resp
	}

	completed := rs.completedAt
	resp.CompletedAt = &completed
	resp.DurationMs = completed.Sub(rs.startedAt).Milliseconds()

	var runErr *runtime.RunError
	switch {
	case errors.As(rs.err, &runErr):
		resp.Status = RunStatusFailed
		resp.Error = runErr.Err.Error()
		resp.FailedNode = runErr.NodeID
		resp.Steps = runErr.Steps
		resp.Results = runErr.Results
	case rs.err != nil:
		resp.Status = RunStatusFailed
		resp.Error = rs.err.Error()
	case rs.result != nil:
		resp.Status = RunStatusCompleted
		if rs.result.Cancelled {
			resp.Status = RunStatusCancelled
		}
		resp.Steps = rs.result.Steps
		resp.Results = rs.result.Results
		resp.Variables = rs.result.Variables
	}
	return resp
}

// startRun builds an engine for the plan and runs it in the background.
func (s *Server) startRun(plan runPlan) (*runState, error) {
	runID := runtime.NewRunID()
	emit, flush := s.runEmitter()

	maxSteps := plan.maxSteps
	if maxSteps <= 0 {
		maxSteps = s.maxSteps
	}
	opts := []runtime.Option{
		runtime.WithRunID(runID),
		runtime.WithLogger(s.logger.With("graph_id", plan.def.ID)),
		runtime.WithVariables(plan.vars),
		runtime.WithOutput(s.output),
		runtime.WithEventHandler(emit),
	}
	if maxSteps > 0 {
		opts = append(opts, runtime.WithMaxSteps(maxSteps))
	}
	if d := combineEmitDecorators(s.emitDecorator, plan.decorator); d != nil {
		opts = append(opts, runtime.WithEmitterDecorator(d))
	}

	eng, err := runtime.NewEngine(s.registry, plan.def, opts...)
	if err != nil {
		flush()
		if errors.Is(err, runtime.ErrUnknownType) {
			return nil, &runAPIError{Status: http.StatusUnprocessableEntity, Code: "UNKNOWN_TYPE", Message: err.Error()}
		}
		return nil, &runAPIError{Status: http.StatusUnprocessableEntity, Code: "ENGINE_ERROR", Message: err.Error()}
	}

	timeout := plan.timeout
	if timeout <= 0 {
		timeout = s.runTimeout
	}
	rs := &runState{
		runID:     runID,
		graphID:   plan.def.ID,
		trigger:   plan.trigger,
		startedAt: time.Now().UTC(),
		engine:    eng,
		done:      make(chan struct{}),
	}
	s.trackRun(rs)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		result, err := eng.Run(ctx)
		flush()

		rs.completedAt = time.Now().UTC()
		rs.result = result
		rs.err = err
		close(rs.done)
		s.retireRun(rs.runID)

		if err != nil {
			s.logger.Warn("run failed", "run_id", runID, "graph_id", rs.graphID, "error", err)
		}
	}()
	return rs, nil
}

// runEmitter returns the event handler for one run and a function that
// flushes any coalesced events once the run ends.
func (s *Server) runEmitter() (runtime.EventHandler, func()) {
	var handlers []runtime.EventHandler
	if s.eventStore != nil {
		handlers = append(handlers, bus.NewStoreSubscriber(s.eventStore, s.logger).Handle)
	}
	if s.bus != nil {
		handlers = append(handlers, s.bus.Publish)
	}
	if s.runtimeEvents != nil {
		handlers = append(handlers, s.runtimeEvents)
	}
	sink := runtime.MultiEventHandler(handlers...)

	if s.coalesce < 0 {
		return sink, func() {}
	}
	te := bus.NewThrottledEmitter(runtime.EventEmitter(sink), bus.ThrottleConfig{CoalesceInterval: s.coalesce})
	return te.Emit, te.Close
}

func (s *Server) trackRun(rs *runState) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs[rs.runID] = rs
}

// retireRun records a finished run and evicts the oldest finished runs
// beyond the retention cap.
func (s *Server) retireRun(runID string) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.finished = append(s.finished, runID)
	for len(s.finished) > s.retained {
		delete(s.runs, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *Server) lookupRun(runID string) (*runState, bool) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	rs, ok := s.runs[runID]
	return rs, ok
}

func (s *Server) isRunActive(runID string) bool {
	rs, ok := s.lookupRun(runID)
	return ok && rs.active()
}

// planStoredRun loads a stored graph for a run.
func (s *Server) planStoredRun(ctx context.Context, graphID string, req RunRequest) (runPlan, error) {
	rec, ok, err := s.store.Get(ctx, graphID)
	if err != nil {
		return runPlan{}, &runAPIError{Status: http.StatusInternalServerError, Code: "STORE_ERROR", Message: err.Error()}
	}
	if !ok {
		return runPlan{}, &runAPIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("graph %q not found", graphID)}
	}
	return s.planRun(rec.Graph, req)
}

func (s *Server) planRun(def *graph.Definition, req RunRequest) (runPlan, error) {
	if def == nil {
		return runPlan{}, &runAPIError{Status: http.StatusBadRequest, Code: "MISSING_GRAPH", Message: "graph is required"}
	}
	if req.MaxSteps < 0 {
		return runPlan{}, &runAPIError{Status: http.StatusBadRequest, Code: "INVALID_MAX_STEPS", Message: "max_steps must not be negative"}
	}
	plan := runPlan{
		def:      def,
		vars:     req.Variables,
		maxSteps: req.MaxSteps,
		trigger:  "api",
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return runPlan{}, &runAPIError{Status: http.StatusBadRequest, Code: "INVALID_TIMEOUT", Message: err.Error()}
		}
		plan.timeout = d
	}
	return plan, nil
}

// RunScheduled runs the graph of a schedule and blocks until the run
// ends. Cancelling ctx cancels the run.
func (s *Server) RunScheduled(ctx context.Context, sched schedule.Schedule, scheduledAt time.Time) (schedule.Outcome, error) {
	plan, err := s.planStoredRun(ctx, sched.GraphID, RunRequest{Variables: sched.Variables, MaxSteps: sched.MaxSteps})
	if err != nil {
		return schedule.Outcome{}, err
	}
	plan.trigger = "schedule"
	plan.decorator = schedule.Decorator(sched, scheduledAt)

	rs, err := s.startRun(plan)
	if err != nil {
		return schedule.Outcome{}, err
	}

	select {
	case <-rs.done:
	case <-ctx.Done():
		rs.engine.RequestCancel()
		<-rs.done
	}

	resp := rs.response()
	outcome := schedule.Outcome{RunID: rs.runID, Cancelled: resp.Status == RunStatusCancelled}
	if resp.Status == RunStatusFailed {
		return outcome, errors.New(resp.Error)
	}
	return outcome, nil
}

var _ schedule.Runner = (*Server)(nil)

func combineEmitDecorators(first, second runtime.EventEmitterDecorator) runtime.EventEmitterDecorator {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	default:
		return func(emit runtime.EventEmitter) runtime.EventEmitter {
			return second(first(emit))
		}
	}
}

func writeRunAPIError(w http.ResponseWriter, err error) {
	var runErr *runAPIError
	if errors.As(err, &runErr) {
		writeError(w, runErr.Status, runErr.Code, runErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "RUNTIME_ERROR", err.Error())
}
