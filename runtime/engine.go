// Package runtime provides the dual-graph execution engine for petalscript.
//
// Pure nodes (no exec ports) are evaluated lazily: their values are
// pulled on demand whenever another node needs one of their outputs.
// Exec nodes fire in response to control signals, scheduled through a
// FIFO queue seeded with the entry nodes of the graph.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/registry"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

type portKey struct {
	node string
	port string
}

type workItem struct {
	node string
	port string // incoming exec port, empty for entry nodes
}

// RunResult is the outcome of a completed or cancelled run.
type RunResult struct {
	RunID string

	// Results holds the last output values per node id. Pure nodes appear
	// only if something pulled them; exec nodes reflect their last firing.
	Results map[string]core.Values

	// Variables is the final variable store snapshot.
	Variables map[string]any

	// Steps is the number of exec dequeues performed.
	Steps int

	// Cancelled is true when the run stopped on a cancel request.
	Cancelled bool

	Elapsed time.Duration
}

// Engine runs one graph once. Create a new Engine for every run.
type Engine struct {
	runID   string
	graphID string
	cfg     config

	nodes     map[string]core.Node
	order     []string // declaration order, unique ids
	pureIDs   []string
	execIDs   []string
	dataIn    map[portKey]portKey
	execOut   map[portKey][]portKey
	results   map[string]core.Values
	vars      *core.Variables
	observers observers
	emit      EventEmitter
	logger    *slog.Logger

	steps     int
	cancelled atomic.Bool
	started   atomic.Bool
}

// NewEngine instantiates every node of def through reg and indexes the
// edges. It fails with ErrUnknownType before any node runs when a type
// is missing. Edge endpoints are not validated: a dangling reference
// surfaces as ErrNodeNotFound when the run first follows it.
func NewEngine(reg *registry.Registry, def *graph.Definition, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	runID := cfg.runID
	if runID == "" {
		runID = NewRunID()
	}

	e := &Engine{
		runID:   runID,
		graphID: def.ID,
		cfg:     cfg,
		nodes:   make(map[string]core.Node, len(def.Nodes)),
		dataIn:  make(map[portKey]portKey),
		execOut: make(map[portKey][]portKey),
		results: make(map[string]core.Values),
		logger:  cfg.logger.With("run_id", runID),
	}

	seed := maps.Clone(def.Variables)
	if seed == nil {
		seed = make(map[string]any)
	}
	maps.Copy(seed, cfg.vars)
	e.vars = core.NewVariables(seed)

	if err := e.classify(reg, def); err != nil {
		return nil, err
	}

	e.emit = e.buildEmitter()
	e.observers = observers{logger: e.logger}
	e.observers.add(cfg.observer)
	if cfg.handler != nil || cfg.bus != nil {
		eo := NewEventObserver(runID, e.emit, e.typeName)
		eo.now = cfg.now
		eo.stepOf = func() int { return e.steps }
		e.observers.add(eo)
	}
	return e, nil
}

// classify instantiates nodes, indexes edges and partitions pure and
// exec nodes, all in declaration order.
func (e *Engine) classify(reg *registry.Registry, def *graph.Definition) error {
	for _, spec := range def.Nodes {
		n, err := reg.Create(spec.Type, core.Params(spec.Params))
		if err != nil {
			return fmt.Errorf("instantiate node %q: %w", spec.ID, err)
		}
		if _, dup := e.nodes[spec.ID]; !dup {
			e.order = append(e.order, spec.ID)
		}
		e.nodes[spec.ID] = n
	}
	for _, id := range e.order {
		if core.IsPure(e.nodes[id]) {
			e.pureIDs = append(e.pureIDs, id)
		} else {
			e.execIDs = append(e.execIDs, id)
		}
	}

	for _, edge := range def.Edges {
		src := portKey{edge.SrcID, edge.SrcPort}
		dst := portKey{edge.DstID, edge.DstPort}
		switch edge.Kind {
		case graph.EdgeExec:
			e.execOut[src] = append(e.execOut[src], dst)
		case graph.EdgeData, "":
			// An empty kind is a data edge, as the loader defaults it.
			// One value per input: the last edge wins.
			e.dataIn[dst] = src
		default:
			return fmt.Errorf("%w: %s", graph.ErrInvalidEdgeKind, edge)
		}
	}
	return nil
}

func (e *Engine) buildEmitter() EventEmitter {
	var seq atomic.Uint64
	handler, bus := e.cfg.handler, e.cfg.bus
	emit := func(ev Event) {
		ev.Seq = seq.Add(1)
		if bus != nil {
			bus.Publish(ev)
		}
		if handler != nil {
			handler(ev)
		}
	}
	if e.cfg.decorator != nil {
		emit = e.cfg.decorator(emit)
	}
	return emit
}

// RunID returns the identifier of this engine's run.
func (e *Engine) RunID() string {
	return e.runID
}

// Variables returns the shared variable store.
func (e *Engine) Variables() *core.Variables {
	return e.vars
}

// PureNodes returns the ids of pure nodes in declaration order.
func (e *Engine) PureNodes() []string {
	return slices.Clone(e.pureIDs)
}

// ExecNodes returns the ids of exec nodes in declaration order.
func (e *Engine) ExecNodes() []string {
	return slices.Clone(e.execIDs)
}

// RequestCancel asks the run to stop before its next dequeue. It is safe
// to call from any goroutine, any number of times, before or during Run.
func (e *Engine) RequestCancel() {
	e.cancelled.Store(true)
}

func (e *Engine) cancelRequested(ctx context.Context) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// Run drains the exec queue and returns the results. Cancellation, by
// RequestCancel or by ctx, ends the run cleanly with Cancelled set.
// Any other failure is returned as a *RunError.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	ctx = ContextWithEmitter(ctx, e.emit)
	ctx = ContextWithLogger(ctx, e.logger)
	scope := core.NewScope(e.runID, e.vars, e.cfg.out, e.logger)

	runStart := e.cfg.now()
	e.emit(e.runEvent(EventRunStarted).
		WithPayload("graph", e.graphID).
		WithPayload("nodes", len(e.order)).
		WithPayload("entries", len(e.entries())))
	e.logger.Debug("run started", "nodes", len(e.order), "exec_nodes", len(e.execIDs))

	cancelled, failedAt, err := e.drain(ctx, scope)
	elapsed := e.cfg.now().Sub(runStart)

	finish := e.runEvent(EventRunFinished).WithElapsed(elapsed)
	switch {
	case err != nil:
		finish = finish.WithPayload("status", "failed").WithPayload("error", err.Error())
	case cancelled:
		e.emit(e.runEvent(EventRunCancelled).WithElapsed(elapsed))
		finish = finish.WithPayload("status", "cancelled")
	default:
		finish = finish.WithPayload("status", "completed")
	}
	e.emit(finish)

	if err != nil {
		e.logger.Debug("run failed", "steps", e.steps, "error", err)
		return nil, &RunError{
			RunID:   e.runID,
			NodeID:  failedAt,
			Steps:   e.steps,
			Results: e.snapshot(),
			Err:     err,
		}
	}
	e.logger.Debug("run finished", "steps", e.steps, "cancelled", cancelled, "elapsed", elapsed)
	return &RunResult{
		RunID:     e.runID,
		Results:   e.snapshot(),
		Variables: e.vars.Snapshot(),
		Steps:     e.steps,
		Cancelled: cancelled,
		Elapsed:   elapsed,
	}, nil
}

func (e *Engine) entries() []string {
	var ids []string
	for _, id := range e.execIDs {
		if e.nodes[id].Type().Entry() {
			ids = append(ids, id)
		}
	}
	return ids
}

// drain runs the FIFO exec queue. It reports whether the run was
// cancelled, and on failure the node being fired.
func (e *Engine) drain(ctx context.Context, scope *core.Scope) (bool, string, error) {
	var queue []workItem
	for _, id := range e.entries() {
		queue = append(queue, workItem{node: id})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if e.cancelRequested(ctx) {
			return true, "", nil
		}

		if e.steps >= e.cfg.maxSteps {
			return false, item.node, fmt.Errorf("%w: limit %d", ErrMaxStepsExceeded, e.cfg.maxSteps)
		}
		e.steps++

		fired, err := e.fire(ctx, scope, item)
		if err != nil {
			return false, item.node, err
		}

		for _, port := range fired {
			for _, dst := range e.execOut[portKey{item.node, port}] {
				e.observers.OnEdgeFired(item.node, port, dst.node, dst.port)
				queue = append(queue, workItem{node: dst.node, port: dst.port})
			}
		}
	}
	return false, "", nil
}

// fire runs one exec node: resolve inputs, notify, OnExec, merge outputs.
func (e *Engine) fire(ctx context.Context, scope *core.Scope, item workItem) ([]string, error) {
	node, ok := e.nodes[item.node]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, item.node)
	}

	inputs, err := e.gatherInputs(ctx, scope, item.node, node)
	if err != nil {
		return nil, err
	}

	e.observers.OnNodeStart(item.node)
	fired, out, err := callExec(ctx, scope.ForNode(item.node), node, inputs)
	if err != nil {
		e.emitFailure(item.node, err)
		return nil, fmt.Errorf("%w: node %q: %w", ErrNodeExecution, item.node, err)
	}
	e.observers.OnNodeOutput(item.node, out)
	e.observers.OnNodeFinish(item.node)

	entry := e.results[item.node]
	if entry == nil {
		entry = make(core.Values, len(out))
		e.results[item.node] = entry
	}
	maps.Copy(entry, out)
	return fired, nil
}

// gatherInputs resolves every declared input of a node in one pass. Pure
// upstream nodes are computed at most once per pass.
func (e *Engine) gatherInputs(ctx context.Context, scope *core.Scope, id string, node core.Node) (core.Values, error) {
	memo := make(map[string]core.Values)
	return e.resolveInputs(ctx, scope, id, node, memo, nil)
}

func (e *Engine) resolveInputs(
	ctx context.Context,
	scope *core.Scope,
	id string,
	node core.Node,
	memo map[string]core.Values,
	resolving []string,
) (core.Values, error) {
	def := node.Type()
	inputs := make(core.Values, len(def.Inputs))
	for _, port := range def.Inputs {
		src, wired := e.dataIn[portKey{id, port.Name}]
		if !wired {
			inputs[port.Name] = defaultInput(node, port)
			continue
		}
		vals, err := e.evalNode(ctx, scope, src.node, memo, resolving)
		if err != nil {
			return nil, err
		}
		v, ok := vals[src.port]
		if !ok {
			v = port.Kind.Zero()
		}
		inputs[port.Name] = v
	}
	return inputs, nil
}

func defaultInput(node core.Node, port core.PortDef) any {
	if b, ok := node.(interface{ Param(string) (any, bool) }); ok {
		if v, ok := b.Param(core.DefaultPrefix + port.Name); ok {
			return v
		}
		return port.Kind.Zero()
	}
	return node.Params().Default(port.Name, port.Kind)
}

// evalNode returns the current values of a node. Exec nodes are read from
// the results of their last firing. Pure nodes are recomputed unless the
// current pass already computed them.
func (e *Engine) evalNode(
	ctx context.Context,
	scope *core.Scope,
	id string,
	memo map[string]core.Values,
	resolving []string,
) (core.Values, error) {
	node, ok := e.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if !core.IsPure(node) {
		return e.results[id], nil
	}
	if vals, ok := memo[id]; ok {
		return vals, nil
	}
	if i := slices.Index(resolving, id); i >= 0 {
		path := append(slices.Clone(resolving[i:]), id)
		return nil, fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(path, " -> "))
	}
	resolving = append(resolving, id)

	inputs, err := e.resolveInputs(ctx, scope, id, node, memo, resolving)
	if err != nil {
		return nil, err
	}

	start := e.cfg.now()
	out, err := callProcess(ctx, scope.ForNode(id), node, inputs)
	if err != nil {
		e.emitFailure(id, err)
		return nil, fmt.Errorf("%w: node %q: %w", ErrNodeExecution, id, err)
	}
	if out == nil {
		out = core.Values{}
	}
	memo[id] = out
	e.results[id] = out
	e.emit(e.runEvent(EventNodeEvaluated).
		WithNode(id, node.Type().Name).
		WithElapsed(e.cfg.now().Sub(start)))
	return out, nil
}

func callExec(ctx context.Context, scope *core.Scope, node core.Node, in core.Values) (fired []string, out core.Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fired, out, err = node.OnExec(ctx, scope, in)
	if out == nil {
		out = core.Values{}
	}
	return fired, out, err
}

func callProcess(ctx context.Context, scope *core.Scope, node core.Node, in core.Values) (out core.Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return node.Process(ctx, scope, in)
}

func (e *Engine) emitFailure(id string, err error) {
	e.emit(e.runEvent(EventNodeFailed).
		WithNode(id, e.typeName(id)).
		WithPayload("error", err.Error()))
}

func (e *Engine) runEvent(kind EventKind) Event {
	ev := NewEvent(kind, e.runID).WithStep(e.steps)
	ev.Time = e.cfg.now()
	return ev
}

func (e *Engine) typeName(id string) string {
	if n, ok := e.nodes[id]; ok {
		return n.Type().Name
	}
	return ""
}

func (e *Engine) snapshot() map[string]core.Values {
	out := make(map[string]core.Values, len(e.results))
	for id, vals := range e.results {
		out[id] = vals.Clone()
	}
	return out
}
