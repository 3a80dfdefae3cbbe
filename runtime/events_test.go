package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/runtime"
)

type publisher struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (p *publisher) Publish(e runtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func helloGraph() *graph.Definition {
	return graph.NewBuilder("hello").
		Node("entry", "BeginPlay", nil).
		Node("msg", "ConstString", map[string]any{"value": "hi"}).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("msg", "value", "print", "text").
		MustBuild()
}

func kinds(events []runtime.Event) []runtime.EventKind {
	out := make([]runtime.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestEngine_EventStream(t *testing.T) {
	var events []runtime.Event
	eng := newEngine(t, nodes.NewRegistry(), helloGraph(),
		runtime.WithRunID("run-1"),
		runtime.WithEventHandler(func(e runtime.Event) { events = append(events, e) }))
	run(t, eng)

	want := []runtime.EventKind{
		runtime.EventRunStarted,
		runtime.EventNodeStarted, runtime.EventNodeOutput, runtime.EventNodeFinished,
		runtime.EventEdgeFired,
		runtime.EventNodeEvaluated,
		runtime.EventNodeStarted, runtime.EventNodeOutput, runtime.EventNodeFinished,
		runtime.EventRunFinished,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}

	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.RunID != "run-1" {
			t.Errorf("events[%d].RunID = %q, want run-1", i, e.RunID)
		}
	}

	edge := events[4]
	if edge.NodeID != "entry" || edge.Payload["target"] != "print" || edge.Payload["target_port"] != "in" {
		t.Errorf("edge event = %+v", edge)
	}
	out := events[7]
	if out.NodeType != "Print" || out.Payload["printed"] != "hi" {
		t.Errorf("output event = %+v", out)
	}
	if status := events[len(events)-1].Payload["status"]; status != "completed" {
		t.Errorf("run.finished status = %v, want completed", status)
	}
}

func TestEngine_EventBus(t *testing.T) {
	pub := &publisher{}
	run(t, newEngine(t, nodes.NewRegistry(), helloGraph(), runtime.WithEventBus(pub)))

	if len(pub.events) < 4 {
		t.Fatalf("published %d events, want >= 4", len(pub.events))
	}
	if pub.events[0].Kind != runtime.EventRunStarted {
		t.Errorf("first event = %s, want run.started", pub.events[0].Kind)
	}
}

func TestEngine_FailureEvents(t *testing.T) {
	var count int
	def := graph.NewBuilder("fail").
		Node("entry", "BeginPlay", nil).
		Node("bad", "Fail", nil).
		Exec("entry", "out", "bad", "in").
		MustBuild()

	var events []runtime.Event
	eng := newEngine(t, testRegistry(&count), def,
		runtime.WithEventHandler(func(e runtime.Event) { events = append(events, e) }))
	if _, err := eng.Run(context.Background()); !errors.Is(err, runtime.ErrNodeExecution) {
		t.Fatalf("Run() error = %v", err)
	}

	var failed bool
	for _, e := range events {
		if e.Kind == runtime.EventNodeFailed && e.NodeID == "bad" {
			failed = true
		}
	}
	if !failed {
		t.Errorf("missing node.failed event in %v", kinds(events))
	}
	last := events[len(events)-1]
	if last.Kind != runtime.EventRunFinished || last.Payload["status"] != "failed" {
		t.Errorf("last event = %s %v, want failed run.finished", last.Kind, last.Payload)
	}
}

func TestEngine_CancelEvents(t *testing.T) {
	var count int
	var events []runtime.Event
	eng := newEngine(t, testRegistry(&count), loopGraph(),
		runtime.WithEventHandler(func(e runtime.Event) { events = append(events, e) }))
	eng.RequestCancel()
	run(t, eng)

	got := kinds(events)
	want := []runtime.EventKind{runtime.EventRunStarted, runtime.EventRunCancelled, runtime.EventRunFinished}
	if len(got) != len(want) || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngine_EmitterDecoratorAndClock(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var events []runtime.Event
	decorate := func(next runtime.EventEmitter) runtime.EventEmitter {
		return func(e runtime.Event) {
			e.TraceID = "trace"
			next(e)
		}
	}
	eng := newEngine(t, nodes.NewRegistry(), helloGraph(),
		runtime.WithClock(func() time.Time { return base }),
		runtime.WithEmitterDecorator(decorate),
		runtime.WithEventHandler(func(e runtime.Event) { events = append(events, e) }))
	run(t, eng)

	for _, e := range events {
		if e.TraceID != "trace" {
			t.Errorf("%s TraceID = %q, want trace", e.Kind, e.TraceID)
		}
		if !e.Time.Equal(base) {
			t.Errorf("%s Time = %v, want %v", e.Kind, e.Time, base)
		}
	}
}

func TestEngine_ContextCarriesEmitterAndLogger(t *testing.T) {
	var count int
	reg := testRegistry(&count)
	var gotEmitter, gotLogger bool
	def := core.TypeDef{Name: "Probe", ExecOutputs: []string{"out"}}
	def.New = func(p core.Params) (core.Node, error) {
		d := def
		return &probeNode{BaseNode: core.NewBaseNode(&d, p), check: func(ctx context.Context) {
			runtime.EmitterFromContext(ctx)(runtime.NewEvent(runtime.EventNodeOutput, "x").WithPayload("probe", true))
			gotLogger = runtime.LoggerFromContext(ctx) != nil
		}}, nil
	}
	reg.Register(def)

	var events []runtime.Event
	eng := newEngine(t, reg, graph.NewBuilder("probe").Node("p", "Probe", nil).MustBuild(),
		runtime.WithEventHandler(func(e runtime.Event) { events = append(events, e) }))
	run(t, eng)

	for _, e := range events {
		if e.Payload["probe"] == true {
			gotEmitter = true
		}
	}
	if !gotEmitter || !gotLogger {
		t.Errorf("emitter = %v, logger = %v; want both from context", gotEmitter, gotLogger)
	}
}

type probeNode struct {
	core.BaseNode
	check func(context.Context)
}

func (n *probeNode) OnExec(ctx context.Context, s *core.Scope, in core.Values) ([]string, core.Values, error) {
	n.check(ctx)
	return n.BaseNode.OnExec(ctx, s, in)
}

func TestEmitterFromContext_NoEmitter(t *testing.T) {
	runtime.EmitterFromContext(context.Background())(runtime.Event{})
	if runtime.LoggerFromContext(context.Background()) == nil {
		t.Error("LoggerFromContext should fall back to slog.Default")
	}
}

func TestChannelEventHandler_DropsWhenFull(t *testing.T) {
	ch := make(chan runtime.Event, 1)
	h := runtime.ChannelEventHandler(ch)
	h(runtime.NewEvent(runtime.EventRunStarted, "r"))
	h(runtime.NewEvent(runtime.EventRunFinished, "r"))
	if len(ch) != 1 {
		t.Errorf("len(ch) = %d, want 1", len(ch))
	}

	var n int
	multi := runtime.MultiEventHandler(func(runtime.Event) { n++ }, nil, func(runtime.Event) { n++ })
	multi(runtime.Event{})
	if n != 2 {
		t.Errorf("MultiEventHandler called %d handlers, want 2", n)
	}
}
