package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petal-labs/petalscript/graph"
)

// Sentinel errors for store operations.
var (
	ErrGraphExists   = errors.New("graph already exists")
	ErrGraphNotFound = errors.New("graph not found")
)

// GraphRecord is a stored graph.
type GraphRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Graph     *graph.Definition `json:"graph"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// GraphStore provides CRUD operations for graph records.
type GraphStore interface {
	List(ctx context.Context) ([]GraphRecord, error)
	Get(ctx context.Context, id string) (GraphRecord, bool, error)
	Create(ctx context.Context, rec GraphRecord) error
	Update(ctx context.Context, rec GraphRecord) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory GraphStore that lists in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]GraphRecord
	order   []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]GraphRecord)}
}

func (m *MemoryStore) List(_ context.Context) ([]GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GraphRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneRecord(m.records[id]))
	}
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (GraphRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return GraphRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (m *MemoryStore) Create(_ context.Context, rec GraphRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrGraphExists
	}
	m.records[rec.ID] = cloneRecord(rec)
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rec GraphRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrGraphNotFound
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrGraphNotFound
	}
	delete(m.records, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func cloneRecord(rec GraphRecord) GraphRecord {
	if rec.Graph != nil {
		rec.Graph = rec.Graph.Clone()
	}
	return rec
}

var _ GraphStore = (*MemoryStore)(nil)
