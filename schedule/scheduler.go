package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/petalscript/runtime"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchLimit   = 100
)

// Config configures a Scheduler.
type Config struct {
	Runner       Runner
	Store        Store
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically runs due schedules.
type Scheduler struct {
	runner       Runner
	store        Store
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	active  map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	runCtx  context.Context
	stopRun context.CancelFunc
	runs    sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("scheduler runner is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	return &Scheduler{
		runner:       cfg.Runner,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
		runCtx:       runCtx,
		stopRun:      stopRun,
	}, nil
}

// Start starts background polling. Calling Start on a running scheduler
// is a no-op. Polling stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.poll(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.poll(loopCtx)
			}
		}
	}()
	return nil
}

func (s *Scheduler) poll(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler pass failed", "error", err)
	}
}

// Stop stops polling, cancels in-flight runs and waits for them to
// record their results, or for ctx to end. A stopped scheduler cannot
// start new runs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.stopRun()

	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		s.runs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every in-flight scheduled run has finished.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// RunOnce executes a single scheduler pass. Runs it starts continue in
// the background.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}
	for _, sched := range due {
		s.processDue(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) processDue(ctx context.Context, sched Schedule, now time.Time) {
	if !sched.Enabled {
		return
	}
	if s.isActive(sched.ID) {
		s.markSkippedOverlap(ctx, sched, now)
		return
	}

	next, err := NextRun(sched.Cron, now)
	if err != nil {
		s.markFailure(ctx, sched, now, err)
		return
	}

	sched.NextRunAt = next
	sched.LastStatus = StatusRunning
	sched.LastError = ""
	sched.UpdatedAt = now
	if err := s.store.Update(ctx, sched); err != nil {
		s.logger.Error("update schedule before run", "schedule_id", sched.ID, "graph_id", sched.GraphID, "error", err)
		return
	}

	s.markActive(sched.ID)
	s.runs.Add(1)
	go s.run(sched, now)
}

func (s *Scheduler) run(sched Schedule, scheduledAt time.Time) {
	defer s.runs.Done()
	defer s.unmarkActive(sched.ID)

	logger := s.logger.With("schedule_id", sched.ID, "graph_id", sched.GraphID)
	logger.Info("scheduled run starting", "scheduled_at", scheduledAt)

	outcome, runErr := s.runner.RunScheduled(s.runCtx, sched.Clone(), scheduledAt)

	// Results are recorded even when Stop cancelled the run.
	ctx := context.Background()
	finish := s.now().UTC()
	latest, found, err := s.store.Get(ctx, sched.ID)
	if err != nil {
		logger.Error("load schedule after run", "error", err)
		return
	}
	if !found {
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	latest.LastRunID = outcome.RunID
	switch {
	case runErr != nil:
		latest.LastStatus = StatusFailed
		latest.LastError = runErr.Error()
		logger.Warn("scheduled run failed", "run_id", outcome.RunID, "error", runErr)
	case outcome.Cancelled:
		latest.LastStatus = StatusCancelled
		latest.LastError = ""
	default:
		latest.LastStatus = StatusCompleted
		latest.LastError = ""
	}

	if err := s.store.Update(ctx, latest); err != nil {
		logger.Error("persist schedule run result", "error", err)
	}
}

func (s *Scheduler) markSkippedOverlap(ctx context.Context, sched Schedule, now time.Time) {
	next, err := NextRun(sched.Cron, now)
	if err != nil {
		s.markFailure(ctx, sched, now, err)
		return
	}

	sched.NextRunAt = next
	sched.LastStatus = StatusSkippedOverlap
	sched.LastError = "skipped because prior scheduled run is still active"
	sched.UpdatedAt = now
	if err := s.store.Update(ctx, sched); err != nil {
		s.logger.Error("persist overlap skip", "schedule_id", sched.ID, "graph_id", sched.GraphID, "error", err)
	}
}

// markFailure records a failure. A schedule whose cron no longer parses
// is disabled so it stops coming back as due.
func (s *Scheduler) markFailure(ctx context.Context, sched Schedule, now time.Time, runErr error) {
	if next, err := NextRun(sched.Cron, now); err == nil {
		sched.NextRunAt = next
	} else {
		sched.Enabled = false
	}
	sched.LastStatus = StatusFailed
	sched.LastError = runErr.Error()
	sched.UpdatedAt = now
	if err := s.store.Update(ctx, sched); err != nil {
		s.logger.Error("persist schedule failure", "schedule_id", sched.ID, "graph_id", sched.GraphID, "error", err)
	}
}

func (s *Scheduler) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Scheduler) markActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
}

func (s *Scheduler) unmarkActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Decorator stamps the run.started event of a scheduled run with its
// trigger metadata.
func Decorator(sched Schedule, scheduledAt time.Time) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return func(e runtime.Event) {
			if e.Kind == runtime.EventRunStarted {
				e = e.WithPayload("trigger", "schedule").
					WithPayload("schedule_id", sched.ID).
					WithPayload("scheduled_at", scheduledAt.UTC().Format(time.RFC3339))
			}
			next(e)
		}
	}
}

// Validate checks the fields a client supplies when creating or
// updating a schedule.
func Validate(sched Schedule) error {
	if sched.GraphID == "" {
		return errors.New("graph_id is required")
	}
	if _, err := Parse(sched.Cron); err != nil {
		return err
	}
	if sched.MaxSteps < 0 {
		return fmt.Errorf("max_steps must not be negative, got %d", sched.MaxSteps)
	}
	return nil
}
