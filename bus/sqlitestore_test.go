package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalscript/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteEventStore_AppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		e := makeEvent("run-1", i, runtime.EventNodeStarted)
		e.NodeID = fmt.Sprintf("node-%d", i)
		e.NodeType = "Print"
		e.Step = int(i)
		e.Elapsed = time.Duration(i) * time.Millisecond
		e.TraceID = "trace-abc"
		e.SpanID = "span-def"
		e.Payload = map[string]any{"index": float64(i)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	e := events[2]
	if e.Seq != 3 || e.NodeID != "node-3" || e.NodeType != "Print" || e.Step != 3 {
		t.Errorf("event = %+v", e)
	}
	if e.Kind != runtime.EventNodeStarted {
		t.Errorf("Kind = %v, want node.started", e.Kind)
	}
	if e.Elapsed != 3*time.Millisecond {
		t.Errorf("Elapsed = %v, want 3ms", e.Elapsed)
	}
	if e.TraceID != "trace-abc" || e.SpanID != "span-def" {
		t.Errorf("trace ids = %q/%q", e.TraceID, e.SpanID)
	}
	if got := e.Payload["index"]; got != float64(3) {
		t.Errorf("Payload[index] = %v, want 3", got)
	}
}

func TestSQLiteEventStore_ListAfterSeqAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 10; i++ {
		if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventNodeOutput)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = store.Append(ctx, makeEvent("run-2", 1, runtime.EventNodeOutput))

	events, err := store.List(ctx, "run-1", 7, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 8 {
		t.Fatalf("after 7: got %d events starting at %d", len(events), events[0].Seq)
	}

	limited, _ := store.List(ctx, "run-1", 0, 2)
	if len(limited) != 2 {
		t.Errorf("limit 2: got %d events", len(limited))
	}
}

func TestSQLiteEventStore_EmptyPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := makeEvent("run-1", 1, runtime.EventRunStarted)
	e.Payload = nil
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 || events[0].Payload == nil || len(events[0].Payload) != 0 {
		t.Errorf("payload = %#v, want empty map", events[0].Payload)
	}
}

func TestSQLiteEventStore_LatestSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty LatestSeq = %d, want 0", seq)
	}

	_ = store.Append(ctx, makeEvent("run-1", 4, runtime.EventRunStarted))
	_ = store.Append(ctx, makeEvent("run-1", 9, runtime.EventRunFinished))
	if seq, _ := store.LatestSeq(ctx, "run-1"); seq != 9 {
		t.Errorf("LatestSeq = %d, want 9", seq)
	}
}

func TestSQLiteEventStore_Runs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	add := func(runID string, seq uint64, kind runtime.EventKind, at time.Duration, status string) {
		e := makeEvent(runID, seq, kind)
		e.Time = base.Add(at)
		if status != "" {
			e.Payload["status"] = status
		}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	add("a", 1, runtime.EventRunStarted, 0, "")
	add("a", 2, runtime.EventRunFinished, time.Second, "cancelled")
	add("b", 1, runtime.EventRunStarted, time.Hour, "")

	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "b" || runs[0].Status != StatusRunning || runs[0].Events != 1 {
		t.Errorf("runs[0] = %+v", runs[0])
	}
	if runs[1].RunID != "a" || runs[1].Status != "cancelled" || runs[1].Events != 2 {
		t.Errorf("runs[1] = %+v", runs[1])
	}
	if !runs[1].FirstSeen.Equal(base) || !runs[1].LastSeen.Equal(base.Add(time.Second)) {
		t.Errorf("runs[1] window = %v..%v", runs[1].FirstSeen, runs[1].LastSeen)
	}
}

func TestSQLiteEventStore_DeleteRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_ = store.Append(ctx, makeEvent("run-1", 1, runtime.EventRunStarted))
	_ = store.Append(ctx, makeEvent("run-2", 1, runtime.EventRunStarted))

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if events, _ := store.List(ctx, "run-1", 0, 0); len(events) != 0 {
		t.Errorf("run-1 still has %d events", len(events))
	}
	if events, _ := store.List(ctx, "run-2", 0, 0); len(events) != 1 {
		t.Errorf("run-2 has %d events, want 1", len(events))
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:           testDSN(t),
		RetentionAge:  time.Hour,
		PruneInterval: time.Hour,
	})
	ctx := context.Background()

	old := makeEvent("run-1", 1, runtime.EventRunStarted)
	old.Time = time.Now().Add(-2 * time.Hour)
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, makeEvent("run-1", 2, runtime.EventRunFinished))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Errorf("after prune: %d events", len(events))
	}
}

func TestSQLiteEventStore_PruneByRuns(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:           testDSN(t),
		RetentionRuns: 2,
		PruneInterval: time.Hour,
	})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, runID := range []string{"r1", "r2", "r3"} {
		e := makeEvent(runID, 1, runtime.EventRunStarted)
		e.Time = base.Add(time.Duration(i) * time.Second)
		_ = store.Append(ctx, e)
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	runs, _ := store.Runs(ctx)
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "r3" || runs[1].RunID != "r2" {
		t.Errorf("kept runs = %s, %s; want r3, r2", runs[0].RunID, runs[1].RunID)
	}
}

func TestSQLiteEventStore_ConcurrentAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= 25; i++ {
				runID := fmt.Sprintf("run-%d", w)
				if err := store.Append(ctx, makeEvent(runID, i, runtime.EventNodeOutput)); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for w := range 4 {
		seq, _ := store.LatestSeq(ctx, fmt.Sprintf("run-%d", w))
		if seq != 25 {
			t.Errorf("run-%d LatestSeq = %d, want 25", w, seq)
		}
	}
}

func TestSQLiteEventStore_CloseIdempotent(t *testing.T) {
	store, err := NewSQLiteEventStore(SQLiteStoreConfig{
		DSN:          testDSN(t),
		RetentionAge: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
