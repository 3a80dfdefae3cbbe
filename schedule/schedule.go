// Package schedule runs graphs on UTC cron expressions. A Scheduler polls
// a Store for due schedules and hands each one to a Runner, skipping a
// tick when the previous run of the same schedule is still going.
package schedule

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrScheduleExists   = errors.New("schedule already exists")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Run statuses recorded on a schedule.
const (
	StatusRunning        = "running"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
	StatusFailed         = "failed"
	StatusSkippedOverlap = "skipped_overlap"
)

// Schedule runs one stored graph on a cron expression.
type Schedule struct {
	ID        string         `json:"id"`
	GraphID   string         `json:"graph_id"`
	Cron      string         `json:"cron"`
	Enabled   bool           `json:"enabled"`
	Variables map[string]any `json:"variables,omitempty"`
	MaxSteps  int            `json:"max_steps,omitempty"`

	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no maps with s.
func (s Schedule) Clone() Schedule {
	s.Variables = maps.Clone(s.Variables)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		s.LastRunAt = &t
	}
	return s
}

// Store provides CRUD and due-schedule queries.
type Store interface {
	List(ctx context.Context, graphID string) ([]Schedule, error)
	Get(ctx context.Context, id string) (Schedule, bool, error)
	Create(ctx context.Context, s Schedule) error
	Update(ctx context.Context, s Schedule) error
	Delete(ctx context.Context, id string) error
	DeleteByGraph(ctx context.Context, graphID string) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// Outcome is what a Runner reports for one scheduled run.
type Outcome struct {
	RunID     string
	Cancelled bool
}

// Runner executes the graph of a schedule and blocks until the run ends.
type Runner interface {
	RunScheduled(ctx context.Context, s Schedule, scheduledAt time.Time) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, s Schedule, scheduledAt time.Time) (Outcome, error)

// RunScheduled calls f.
func (f RunnerFunc) RunScheduled(ctx context.Context, s Schedule, scheduledAt time.Time) (Outcome, error) {
	return f(ctx, s, scheduledAt)
}
