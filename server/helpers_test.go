package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
)

const helloGraph = `{
  "id": "hello",
  "nodes": [
    {"id": "entry", "type": "BeginPlay"},
    {"id": "print", "type": "Print", "params": {"in_default:text": "Hello"}}
  ],
  "edges": [
    {"kind": "exec", "source": "entry", "sourcePort": "out", "target": "print", "targetPort": "in"}
  ]
}`

// gateGraph blocks in its "gate" node until the test releases it.
const gateGraph = `{
  "id": "gated",
  "nodes": [
    {"id": "entry", "type": "BeginPlay"},
    {"id": "gate", "type": "Gate"},
    {"id": "print", "type": "Print", "params": {"in_default:text": "after"}}
  ],
  "edges": [
    {"kind": "exec", "source": "entry", "sourcePort": "out", "target": "gate", "targetPort": "in"},
    {"kind": "exec", "source": "gate", "sourcePort": "then", "target": "print", "targetPort": "in"}
  ]
}`

type gateNode struct {
	core.BaseNode
	release <-chan struct{}
	entered chan<- struct{}
}

func (n *gateNode) OnExec(ctx context.Context, _ *core.Scope, _ core.Values) ([]string, core.Values, error) {
	select {
	case n.entered <- struct{}{}:
	default:
	}
	select {
	case <-n.release:
	case <-ctx.Done():
	}
	return []string{"then"}, core.Values{}, nil
}

// gateRegistry returns the built-in registry plus a Gate node type.
func gateRegistry(release <-chan struct{}, entered chan<- struct{}) *registry.Registry {
	reg := nodes.NewRegistry()
	def := core.TypeDef{
		Name:        "Gate",
		Group:       "control",
		ExecInputs:  []string{"in"},
		ExecOutputs: []string{"then"},
	}
	def.New = func(params core.Params) (core.Node, error) {
		d := def
		return &gateNode{BaseNode: core.NewBaseNode(&d, params), release: release, entered: entered}, nil
	}
	reg.Register(def)
	return reg
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphs.sqlite")
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEventStore(t *testing.T) bus.EventStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testServer creates a Server with SQLite stores and an in-memory bus.
func testServer(t *testing.T, reg *registry.Registry) *Server {
	t.Helper()
	store := newTestSQLiteStore(t)
	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = eb.Close() })

	srv := NewServer(ServerConfig{
		Registry:   reg,
		Store:      store,
		Schedules:  store.Schedules(),
		Bus:        eb,
		EventStore: newTestEventStore(t),
		Coalesce:   10 * time.Millisecond,
	})
	t.Cleanup(func() {
		srv.CancelAll()
		srv.Wait()
	})
	return srv
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case nil:
	case string:
		data = []byte(b)
	default:
		data = mustJSON(t, b)
	}
	return doRequest(t, h, method, path, data, "application/json")
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func createGraph(t *testing.T, h http.Handler, doc string) GraphRecord {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/graphs", doc)
	if w.Code != http.StatusCreated {
		t.Fatalf("create graph status=%d body=%s", w.Code, w.Body.String())
	}
	return decode[GraphRecord](t, w)
}

// waitForRun polls a run until it leaves the running state.
func waitForRun(t *testing.T, h http.Handler, runID string) RunResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		w := doJSON(t, h, http.MethodGet, "/api/runs/"+runID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get run status=%d body=%s", w.Code, w.Body.String())
		}
		resp := decode[RunResponse](t, w)
		if resp.Status != RunStatusRunning {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s still running", runID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
