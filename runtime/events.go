package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins.
	EventRunStarted EventKind = "run.started"

	// EventNodeStarted is emitted when an exec node begins firing.
	EventNodeStarted EventKind = "node.started"

	// EventNodeOutput is emitted with the values an exec node produced.
	EventNodeOutput EventKind = "node.output"

	// EventNodeFinished is emitted when an exec node completes a firing.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node returns an error or panics.
	EventNodeFailed EventKind = "node.failed"

	// EventNodeEvaluated is emitted when a pure node is computed by a pull.
	EventNodeEvaluated EventKind = "node.evaluated"

	// EventEdgeFired is emitted for every exec edge a firing follows.
	EventEdgeFired EventKind = "edge.fired"

	// EventRunCancelled is emitted when a run stops on a cancel request.
	EventRunCancelled EventKind = "run.cancelled"

	// EventRunFinished is emitted when a run completes, fails or is cancelled.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events should be kept small; large values are summarized in Payload.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// NodeID is the node that produced this event (empty for run-level events).
	NodeID string

	// NodeType is the registered type name of the node.
	NodeType string

	// Time is when the event occurred.
	Time time.Time

	// Step is the number of exec dequeues at the time of the event.
	Step int

	// Elapsed is the duration since the run or node started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID, nodeType string) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithStep sets the step counter on the event.
func (e Event) WithStep(step int) Event {
	e.Step = step
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// such as stamping trace metadata onto every event.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
