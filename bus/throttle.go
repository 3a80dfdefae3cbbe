package bus

import (
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/petalscript/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced events.
	// Default: 100ms
	CoalesceInterval time.Duration

	// Kinds lists the event kinds to coalesce.
	// Default: node.output and node.evaluated
	Kinds []runtime.EventKind
}

// DefaultCoalescedKinds are the high-frequency kinds a tight exec loop
// produces for every firing or pull.
var DefaultCoalescedKinds = []runtime.EventKind{
	runtime.EventNodeOutput,
	runtime.EventNodeEvaluated,
}

type throttleKey struct {
	nodeID string
	kind   runtime.EventKind
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces
// high-frequency events. Only the latest event per node and kind is kept
// within each interval. Other events pass through immediately, after any
// pending events of the same node have been flushed, so a node's
// node.output never arrives after its node.finished.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration
	kinds    []runtime.EventKind

	mu      sync.Mutex
	pending map[throttleKey]runtime.Event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter that wraps emit.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = DefaultCoalescedKinds
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		kinds:    slices.Clone(kinds),
		pending:  make(map[throttleKey]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the throttled emitter. It satisfies
// runtime.EventHandler.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if !slices.Contains(te.kinds, e.Kind) {
		if e.NodeID != "" {
			te.flushNode(e.NodeID)
		} else {
			te.flush()
		}
		te.emit(e)
		return
	}

	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		te.emit(e)
		return
	}
	te.pending[throttleKey{nodeID: e.NodeID, kind: e.Kind}] = e
	te.mu.Unlock()
}

// Close flushes any pending events and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends every pending event, in Seq order, and clears the set.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}
	toFlush := make([]runtime.Event, 0, len(te.pending))
	for _, e := range te.pending {
		toFlush = append(toFlush, e)
	}
	te.pending = make(map[throttleKey]runtime.Event)
	te.mu.Unlock()

	te.send(toFlush)
}

func (te *ThrottledEmitter) flushNode(nodeID string) {
	te.mu.Lock()
	var toFlush []runtime.Event
	for key, e := range te.pending {
		if key.nodeID == nodeID {
			toFlush = append(toFlush, e)
			delete(te.pending, key)
		}
	}
	te.mu.Unlock()

	te.send(toFlush)
}

func (te *ThrottledEmitter) send(events []runtime.Event) {
	slices.SortFunc(events, func(a, b runtime.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	for _, e := range events {
		te.emit(e)
	}
}
