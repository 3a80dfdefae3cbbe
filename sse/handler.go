// Package sse streams engine events to HTTP clients as Server-Sent Events.
// A stream replays stored events first and then follows the live bus, so
// an editor can attach to a run at any point and still highlight every
// node and edge it missed.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Event is the JSON representation of an engine event on the stream.
type Event struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeType  string         `json:"node_type,omitempty"`
	Time      time.Time      `json:"time"`
	Step      int            `json:"step"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// FromRuntime converts an engine event to its wire form.
func FromRuntime(e runtime.Event) Event {
	return Event{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    e.NodeID,
		NodeType:  e.NodeType,
		Time:      e.Time,
		Step:      e.Step,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Option configures an SSEHandler.
type Option func(*SSEHandler)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *SSEHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// SSEHandler serves the event stream of one run.
//
// The handler expects a "run_id" path value. The cursor comes from the
// "after" query parameter or the Last-Event-ID header. An optional
// "kinds" query parameter (comma separated) restricts the stream to
// those event kinds; run.finished is always delivered.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping" is sent every interval. The stream closes
// after run.finished or when the client disconnects.
type SSEHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSEHandler.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus, opts ...Option) *SSEHandler {
	h := &SSEHandler{
		store:     store,
		bus:       eb,
		heartbeat: HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type filter []runtime.EventKind

func (f filter) allows(kind runtime.EventKind) bool {
	return len(f) == 0 || kind == runtime.EventRunFinished || slices.Contains(f, kind)
}

func parseKinds(raw string) filter {
	var f filter
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f = append(f, runtime.EventKind(part))
		}
	}
	return f
}

func parseCursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := parseCursor(r)
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}
	kinds := parseKinds(r.URL.Query().Get("kinds"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	// Coalesced events can reach the bus out of seq order, so live
	// dedup tracks every seq already handled rather than a high-water mark.
	seen := make(map[uint64]struct{})
	finished, err := h.replayStored(ctx, w, flusher, runID, kinds, afterSeq, seen)
	if err != nil || finished {
		return
	}
	h.streamLive(ctx, w, flusher, sub, kinds, afterSeq, seen)
}

func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	runID string,
	kinds filter,
	afterSeq uint64,
	seen map[uint64]struct{},
) (finished bool, err error) {
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		seen[evt.Seq] = struct{}{}
		if !kinds.allows(evt.Kind) {
			continue
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Kind == runtime.EventRunFinished {
			return true, nil
		}
	}
	return false, nil
}

func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	kinds filter,
	afterSeq uint64,
	seen map[uint64]struct{},
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= afterSeq {
				continue
			}
			if _, dup := seen[evt.Seq]; dup {
				continue
			}
			seen[evt.Seq] = struct{}{}
			if !kinds.allows(evt.Kind) {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			if evt.Kind == runtime.EventRunFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(FromRuntime(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
