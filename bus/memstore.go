package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/petalscript/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // runID -> events
	max    int
}

// NewMemEventStore creates a new in-memory event store. maxPerRun bounds
// the events kept per run, dropping the oldest; 0 keeps everything.
func NewMemEventStore(maxPerRun ...int) *MemEventStore {
	s := &MemEventStore{events: make(map[string][]runtime.Event)}
	if len(maxPerRun) > 0 && maxPerRun[0] > 0 {
		s.max = maxPerRun[0]
	}
	return s
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := append(s.events[event.RunID], event)
	if s.max > 0 && len(events) > s.max {
		events = append([]runtime.Event(nil), events[len(events)-s.max:]...)
	}
	s.events[event.RunID] = events
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemEventStore) Runs(_ context.Context) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunSummary, 0, len(s.events))
	for runID, events := range s.events {
		if len(events) == 0 {
			continue
		}
		sum := RunSummary{
			RunID:     runID,
			Events:    len(events),
			FirstSeen: events[0].Time,
			LastSeen:  events[0].Time,
			Status:    StatusRunning,
		}
		for _, e := range events {
			if e.Time.Before(sum.FirstSeen) {
				sum.FirstSeen = e.Time
			}
			if e.Time.After(sum.LastSeen) {
				sum.LastSeen = e.Time
			}
			if e.Kind == runtime.EventRunFinished {
				if st := statusOf(e); st != "" {
					sum.Status = st
				}
			}
		}
		out = append(out, sum)
	}
	sortRuns(out)
	return out, nil
}

func sortRuns(runs []RunSummary) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].LastSeen.Equal(runs[j].LastSeen) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].LastSeen.After(runs[j].LastSeen)
	})
}

var _ EventStore = (*MemEventStore)(nil)
