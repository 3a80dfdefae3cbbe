package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petal-labs/petalscript/runtime"
)

// StoreSubscriber writes events to an EventStore. Use Handle directly as
// a runtime.EventHandler, or Attach it to a bus subscription.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Failures are logged.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Attach persists every event of sub in a background goroutine until the
// subscription's channel is closed.
func (s *StoreSubscriber) Attach(sub Subscription) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range sub.Events() {
			s.Handle(event)
		}
	}()
}

// Wait blocks until every attached subscription has drained.
func (s *StoreSubscriber) Wait() {
	s.wg.Wait()
}
