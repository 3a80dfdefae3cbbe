package bus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalscript/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Slow subscribers lose events rather
// than blocking the engine; Dropped reports how many were lost.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // runID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
	dropped    atomic.Uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the run's subscribers and to global
// subscribers. Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.RunID] {
		b.deliver(sub, event)
	}
	for _, sub := range b.globalSubs {
		b.deliver(sub, event)
	}
}

func (b *MemBus) deliver(sub *memSub, event runtime.Event) {
	if !sub.wants(event.Kind) {
		return
	}
	if !sub.send(event) {
		b.dropped.Add(1)
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub(kinds)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(runID, sub) }
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub(kinds)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.removeGlobal(sub) }
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

func (b *MemBus) newSub(kinds []runtime.EventKind) *memSub {
	return &memSub{
		ch:    make(chan runtime.Event, b.bufSize),
		kinds: slices.Clone(kinds),
	}
}

func (b *MemBus) remove(runID string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := slices.DeleteFunc(b.subs[runID], func(s *memSub) bool { return s == sub })
	if len(subs) == 0 {
		delete(b.subs, runID)
		return
	}
	b.subs[runID] = subs
}

func (b *MemBus) removeGlobal(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalSubs = slices.DeleteFunc(b.globalSubs, func(s *memSub) bool { return s == sub })
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.globalSubs)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

type memSub struct {
	ch     chan runtime.Event
	kinds  []runtime.EventKind
	detach func()

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close unsubscribes and closes the channel.
func (s *memSub) Close() error {
	if s.close() && s.detach != nil {
		s.detach()
	}
	return nil
}

// close closes the channel once and reports whether this call did it.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

func (s *memSub) wants(kind runtime.EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// send delivers without blocking and reports whether the event was queued.
func (s *memSub) send(event runtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
var _ runtime.EventPublisher = (*MemBus)(nil)
