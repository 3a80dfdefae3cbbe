// Package server exposes graphs, runs and schedules over HTTP. Runs
// execute in the background; clients follow them through the SSE event
// stream or poll the run endpoints.
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
	"github.com/petal-labs/petalscript/runtime"
	"github.com/petal-labs/petalscript/schedule"
	"github.com/petal-labs/petalscript/sse"
)

const (
	defaultMaxBody     = 1 << 20
	defaultRunTimeout  = 5 * time.Minute
	defaultRetainedRun = 1000
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Registry      *registry.Registry
	Store         GraphStore
	Schedules     schedule.Store
	Bus           bus.EventBus
	EventStore    bus.EventStore
	RuntimeEvents runtime.EventHandler
	EmitDecorator runtime.EventEmitterDecorator

	// Coalesce throttles node.output and node.evaluated events per node
	// before they reach the bus. Zero uses the default interval; a
	// negative value disables throttling.
	Coalesce time.Duration

	// MaxSteps is the default exec step ceiling for runs that do not set
	// their own. Zero uses the engine default.
	MaxSteps int

	// RunTimeout bounds every run. Zero means five minutes.
	RunTimeout time.Duration

	// RetainedRuns caps how many finished runs keep their results in
	// memory.
	RetainedRuns int

	// Output receives Print node output. Nil discards it.
	Output io.Writer

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the petalscript HTTP API server.
type Server struct {
	registry      *registry.Registry
	store         GraphStore
	schedules     schedule.Store
	bus           bus.EventBus
	eventStore    bus.EventStore
	runtimeEvents runtime.EventHandler
	emitDecorator runtime.EventEmitterDecorator
	coalesce      time.Duration
	maxSteps      int
	runTimeout    time.Duration
	retained      int
	output        io.Writer
	corsOrigin    string
	maxBody       int64
	logger        *slog.Logger

	runsMu   sync.RWMutex
	runs     map[string]*runState
	finished []string
	wg       sync.WaitGroup
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	retained := cfg.RetainedRuns
	if retained <= 0 {
		retained = defaultRetainedRun
	}
	output := cfg.Output
	if output == nil {
		output = io.Discard
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = nodes.NewRegistry(registry.WithLogger(logger))
	}
	return &Server{
		registry:      reg,
		store:         store,
		schedules:     cfg.Schedules,
		bus:           cfg.Bus,
		eventStore:    cfg.EventStore,
		runtimeEvents: cfg.RuntimeEvents,
		emitDecorator: cfg.EmitDecorator,
		coalesce:      cfg.Coalesce,
		maxSteps:      cfg.MaxSteps,
		runTimeout:    timeout,
		retained:      retained,
		output:        output,
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		logger:        logger,
		runs:          make(map[string]*runState),
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)
	mux.HandleFunc("POST /api/validate", s.handleValidate)

	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("POST /api/graphs", s.handleCreateGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("PUT /api/graphs/{id}", s.handleUpdateGraph)
	mux.HandleFunc("DELETE /api/graphs/{id}", s.handleDeleteGraph)
	mux.HandleFunc("POST /api/graphs/{id}/run", s.handleRunGraph)

	mux.HandleFunc("GET /api/graphs/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/graphs/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/graphs/{id}/schedules/{schedule_id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/graphs/{id}/schedules/{schedule_id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/graphs/{id}/schedules/{schedule_id}", s.handleDeleteSchedule)

	mux.HandleFunc("POST /api/runs", s.handleRunInline)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/export", s.handleExportRun)
	mux.HandleFunc("POST /api/runs/{run_id}/cancel", s.handleCancelRun)
	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/events", sse.NewSSEHandler(s.eventStore, s.bus))
	} else {
		mux.HandleFunc("GET /api/runs/{run_id}/events", func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event streaming requires an event bus and store")
		})
	}
}

// Wait blocks until every background run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// CancelAll requests cancellation of every active run.
func (s *Server) CancelAll() {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	for _, rs := range s.runs {
		if rs.active() {
			rs.engine.RequestCancel()
		}
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
