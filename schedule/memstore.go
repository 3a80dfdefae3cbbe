package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{schedules: make(map[string]Schedule)}
}

func (m *MemStore) List(_ context.Context, graphID string) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Schedule
	for _, s := range m.schedules {
		if graphID == "" || s.GraphID == graphID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) Get(_ context.Context, id string) (Schedule, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	return s.Clone(), ok, nil
}

func (m *MemStore) Create(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrScheduleExists, s.ID)
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *MemStore) Update(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, s.ID)
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemStore) DeleteByGraph(_ context.Context, graphID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.schedules {
		if s.GraphID == graphID {
			delete(m.schedules, id)
		}
	}
	return nil
}

// ListDue returns enabled schedules whose NextRunAt is not after now,
// earliest first.
func (m *MemStore) ListDue(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []Schedule
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRunAt.After(now) {
			due = append(due, s.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

var _ Store = (*MemStore)(nil)
