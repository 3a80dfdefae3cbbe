// Package bus distributes and persists engine events. It decouples the
// engine from the consumers of its lifecycle stream: editor relays,
// run history, loggers and telemetry.
package bus

import (
	"context"
	"time"

	"github.com/petal-labs/petalscript/runtime"
)

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one run. When kinds are given,
	// only events of those kinds are delivered.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events. It must be closed when done.
type Subscription interface {
	Events() <-chan runtime.Event
	Close() error
}

// EventStore persists events for replay and run history.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a run with Seq > afterSeq, in Seq order.
	// A limit of 0 means no limit.
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// Runs summarizes every stored run, most recent first.
	Runs(ctx context.Context) ([]RunSummary, error)
}

// RunSummary describes one run recorded in an EventStore.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Events    int       `json:"events"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Status is the status of the run.finished event, or "running" when
	// none was recorded yet.
	Status string `json:"status"`
}

// StatusRunning is reported for runs without a run.finished event.
const StatusRunning = "running"

func statusOf(e runtime.Event) string {
	if s, ok := e.Payload["status"].(string); ok {
		return s
	}
	return ""
}
