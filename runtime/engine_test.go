package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
	"github.com/petal-labs/petalscript/runtime"
)

// recorder captures observer callbacks as strings.
type recorder struct {
	calls []string
}

func (r *recorder) OnNodeStart(id string)  { r.calls = append(r.calls, "start:"+id) }
func (r *recorder) OnNodeFinish(id string) { r.calls = append(r.calls, "finish:"+id) }
func (r *recorder) OnNodeOutput(id string, out core.Values) {
	r.calls = append(r.calls, "output:"+id)
}
func (r *recorder) OnEdgeFired(srcID, srcPort, dstID, dstPort string) {
	r.calls = append(r.calls, fmt.Sprintf("edge:%s.%s->%s.%s", srcID, srcPort, dstID, dstPort))
}

func (r *recorder) only(prefix string) []string {
	var out []string
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type funcNode struct {
	core.BaseNode
	process func(core.Values) (core.Values, error)
	onExec  func(core.Values) ([]string, core.Values, error)
}

func (n *funcNode) Process(_ context.Context, _ *core.Scope, in core.Values) (core.Values, error) {
	if n.process == nil {
		return n.BaseNode.Process(context.Background(), nil, in)
	}
	return n.process(in)
}

func (n *funcNode) OnExec(ctx context.Context, s *core.Scope, in core.Values) ([]string, core.Values, error) {
	if n.onExec == nil {
		return n.BaseNode.OnExec(ctx, s, in)
	}
	return n.onExec(in)
}

func register(r *registry.Registry, def core.TypeDef, process func(core.Values) (core.Values, error), onExec func(core.Values) ([]string, core.Values, error)) {
	def.New = func(p core.Params) (core.Node, error) {
		d := def
		return &funcNode{BaseNode: core.NewBaseNode(&d, p), process: process, onExec: onExec}, nil
	}
	r.Register(def)
}

// testRegistry returns the built-in catalog plus:
//   - Counter: pure, increments *count on every computation
//   - Loop: exec in "in", exec out "out"
//   - Fail / Boom: exec nodes that error / panic
//   - Emit: exec node producing a different key on every firing
func testRegistry(count *int) *registry.Registry {
	r := nodes.NewRegistry()
	register(r, core.TypeDef{
		Name:    "Counter",
		Outputs: []core.PortDef{{Name: "value", Kind: core.KindInt}},
	}, func(core.Values) (core.Values, error) {
		*count++
		return core.Values{"value": 1}, nil
	}, nil)
	r.Register(core.TypeDef{Name: "Loop", ExecInputs: []string{"in"}, ExecOutputs: []string{"out"}})
	register(r, core.TypeDef{Name: "Fail", ExecInputs: []string{"in"}}, nil,
		func(core.Values) ([]string, core.Values, error) { return nil, nil, errors.New("broken") })
	register(r, core.TypeDef{Name: "Boom", ExecInputs: []string{"in"}}, nil,
		func(core.Values) ([]string, core.Values, error) { panic("boom") })
	firings := 0
	register(r, core.TypeDef{Name: "Emit", ExecInputs: []string{"in"}, ExecOutputs: []string{"out"}}, nil,
		func(core.Values) ([]string, core.Values, error) {
			firings++
			return []string{"out"}, core.Values{fmt.Sprintf("k%d", firings): firings, "last": firings}, nil
		})
	return r
}

func newEngine(t *testing.T, reg *registry.Registry, def *graph.Definition, opts ...runtime.Option) *runtime.Engine {
	t.Helper()
	eng, err := runtime.NewEngine(reg, def, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func run(t *testing.T, eng *runtime.Engine) *runtime.RunResult {
	t.Helper()
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func TestEngine_NoExecNodes(t *testing.T) {
	var count int
	def := graph.NewBuilder("pure").
		Node("c", "Counter", nil).
		Node("add", "Add", map[string]any{"in_default:a": 2}).
		Data("c", "value", "add", "b").
		MustBuild()

	res := run(t, newEngine(t, testRegistry(&count), def))
	if len(res.Results) != 0 {
		t.Errorf("Results = %v, want empty", res.Results)
	}
	if res.Steps != 0 || count != 0 {
		t.Errorf("Steps = %d, count = %d; want 0, 0", res.Steps, count)
	}
}

func TestEngine_EntryPrintScenario(t *testing.T) {
	def := graph.NewBuilder("hello").
		Node("entry", "BeginPlay", nil).
		Node("add", "Add", map[string]any{"in_default:a": 2, "in_default:b": 3}).
		Node("msg", "ConstString", map[string]any{"value": "hi"}).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("msg", "value", "print", "text").
		MustBuild()

	rec := &recorder{}
	res := run(t, newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(rec)))

	if got := res.Results["print"]["printed"]; got != "hi" {
		t.Errorf("print.printed = %#v, want \"hi\"", got)
	}
	if _, ok := res.Results["add"]; ok {
		t.Error("unpulled pure node should not appear in results")
	}

	want := []string{
		"start:entry", "output:entry", "finish:entry",
		"edge:entry.out->print.in",
		"start:print", "output:print", "finish:print",
	}
	if strings.Join(rec.calls, ",") != strings.Join(want, ",") {
		t.Errorf("callbacks = %v\nwant %v", rec.calls, want)
	}
}

func TestEngine_VariableScenario(t *testing.T) {
	def := graph.NewBuilder("vars").
		Node("entry", "BeginPlay", nil).
		Node("set", "SetVariable", map[string]any{"name": "x", "type": "Int", "in_default:value": 7}).
		Node("get", "GetVariable", map[string]any{"name": "x"}).
		Node("print", "Print", nil).
		Exec("entry", "out", "set", "in").
		Exec("set", "then", "print", "in").
		Data("get", "value", "print", "text").
		MustBuild()

	eng := newEngine(t, nodes.NewRegistry(), def)
	res := run(t, eng)

	if got := res.Results["print"]["printed"]; got != "7" {
		t.Errorf("printed = %#v, want \"7\"", got)
	}
	if got := res.Variables["x"]; got != 7 {
		t.Errorf("Variables[x] = %#v, want 7", got)
	}
	if got, _ := eng.Variables().Get("x"); got != 7 {
		t.Errorf("Engine.Variables x = %#v, want 7", got)
	}
}

func TestEngine_InitialVariables(t *testing.T) {
	def := graph.NewBuilder("seed").
		Node("entry", "BeginPlay", nil).
		Node("get", "GetVariable", map[string]any{"name": "greeting"}).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("get", "value", "print", "text").
		Var("greeting", "from definition").
		MustBuild()

	res := run(t, newEngine(t, nodes.NewRegistry(), def,
		runtime.WithVariables(map[string]any{"greeting": "from caller"})))
	if got := res.Results["print"]["printed"]; got != "from caller" {
		t.Errorf("printed = %#v, want caller override", got)
	}
}

func TestEngine_PullMatchesPostOrder(t *testing.T) {
	// (2 * 3) + 4 = 10
	def := graph.NewBuilder("math").
		Node("entry", "BeginPlay", nil).
		Node("mul", "Multiply", map[string]any{"in_default:a": 2, "in_default:b": 3}).
		Node("four", "ConstInt", map[string]any{"value": 4}).
		Node("add", "Add", nil).
		Node("text", "IntToString", nil).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("mul", "product", "add", "a").
		Data("four", "value", "add", "b").
		Data("add", "sum", "text", "value").
		Data("text", "text", "print", "text").
		MustBuild()

	res := run(t, newEngine(t, nodes.NewRegistry(), def))
	if got := res.Results["print"]["printed"]; got != "10" {
		t.Errorf("printed = %#v, want \"10\"", got)
	}
	if got := res.Results["mul"]["product"]; got != 6 {
		t.Errorf("mul.product = %#v, want 6", got)
	}
}

func TestEngine_MemoWithinOnePass(t *testing.T) {
	var count int
	def := graph.NewBuilder("memo").
		Node("entry", "BeginPlay", nil).
		Node("c", "Counter", nil).
		Node("add", "Add", nil).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("c", "value", "add", "a").
		Data("c", "value", "add", "b").
		Data("add", "sum", "print", "text").
		MustBuild()

	res := run(t, newEngine(t, testRegistry(&count), def))
	if count != 1 {
		t.Errorf("Counter computed %d times in one pass, want 1", count)
	}
	if got := res.Results["print"]["printed"]; got != "2" {
		t.Errorf("printed = %#v, want \"2\"", got)
	}
}

func TestEngine_NoMemoAcrossPasses(t *testing.T) {
	var count int
	def := graph.NewBuilder("memo2").
		Node("entry", "BeginPlay", nil).
		Node("c", "Counter", nil).
		Node("p1", "Print", nil).
		Node("p2", "Print", nil).
		Exec("entry", "out", "p1", "in").
		Exec("p1", "then", "p2", "in").
		Data("c", "value", "p1", "text").
		Data("c", "value", "p2", "text").
		MustBuild()

	run(t, newEngine(t, testRegistry(&count), def))
	if count != 2 {
		t.Errorf("Counter computed %d times across two pulls, want 2", count)
	}
}

func TestEngine_FanOutOrder(t *testing.T) {
	def := graph.NewBuilder("fan").
		Node("entry", "BeginPlay", nil).
		Node("a", "Print", nil).
		Node("b", "Print", nil).
		Node("c", "Print", nil).
		Exec("entry", "out", "c", "in").
		Exec("entry", "out", "a", "in").
		Exec("entry", "out", "b", "in").
		MustBuild()

	rec := &recorder{}
	res := run(t, newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(rec)))

	edges := rec.only("edge:")
	wantEdges := []string{"edge:entry.out->c.in", "edge:entry.out->a.in", "edge:entry.out->b.in"}
	if strings.Join(edges, ",") != strings.Join(wantEdges, ",") {
		t.Errorf("edges = %v, want %v", edges, wantEdges)
	}
	starts := rec.only("start:")
	wantStarts := []string{"start:entry", "start:c", "start:a", "start:b"}
	if strings.Join(starts, ",") != strings.Join(wantStarts, ",") {
		t.Errorf("starts = %v, want %v", starts, wantStarts)
	}
	if res.Steps != 4 {
		t.Errorf("Steps = %d, want 4", res.Steps)
	}
}

func TestEngine_EntryNodesInDeclarationOrder(t *testing.T) {
	def := graph.NewBuilder("entries").
		Node("second", "BeginPlay", nil).
		Node("first", "BeginPlay", nil).
		MustBuild()

	rec := &recorder{}
	run(t, newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(rec)))
	starts := rec.only("start:")
	if strings.Join(starts, ",") != "start:second,start:first" {
		t.Errorf("starts = %v", starts)
	}
}

func loopGraph() *graph.Definition {
	return graph.NewBuilder("loop").
		Node("entry", "BeginPlay", nil).
		Node("a", "Loop", nil).
		Node("b", "Loop", nil).
		Exec("entry", "out", "a", "in").
		Exec("a", "out", "b", "in").
		Exec("b", "out", "a", "in").
		MustBuild()
}

func TestEngine_CancelAfterK(t *testing.T) {
	for _, k := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var count int
			var eng *runtime.Engine
			finished := 0
			startsAfterCancel := 0
			obs := runtime.ObserverFuncs{
				NodeStart: func(string) {
					if finished >= k {
						startsAfterCancel++
					}
				},
				NodeFinish: func(string) {
					finished++
					if finished == k {
						eng.RequestCancel()
					}
				},
			}
			eng = newEngine(t, testRegistry(&count), loopGraph(), runtime.WithObserver(obs))

			res := run(t, eng)
			if !res.Cancelled {
				t.Error("Cancelled = false, want true")
			}
			if finished != k || res.Steps != k {
				t.Errorf("firings = %d, steps = %d; want %d", finished, res.Steps, k)
			}
			if startsAfterCancel != 0 {
				t.Errorf("%d node starts after cancel, want 0", startsAfterCancel)
			}
		})
	}
}

func TestEngine_CancelBeforeRun(t *testing.T) {
	var count int
	eng := newEngine(t, testRegistry(&count), loopGraph())
	eng.RequestCancel()
	eng.RequestCancel()

	res := run(t, eng)
	if !res.Cancelled || res.Steps != 0 {
		t.Errorf("Cancelled = %v, Steps = %d; want true, 0", res.Cancelled, res.Steps)
	}
}

func TestEngine_ContextCancel(t *testing.T) {
	var count int
	ctx, cancel := context.WithCancel(context.Background())
	fired := 0
	obs := runtime.ObserverFuncs{NodeFinish: func(string) {
		fired++
		if fired == 2 {
			cancel()
		}
	}}
	eng := newEngine(t, testRegistry(&count), loopGraph(), runtime.WithObserver(obs))

	res, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Cancelled || res.Steps != 2 {
		t.Errorf("Cancelled = %v, Steps = %d; want true, 2", res.Cancelled, res.Steps)
	}
}

func TestEngine_StepCeiling(t *testing.T) {
	for _, limit := range []int{1, 5, runtime.DefaultMaxSteps} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			var count int
			firings := 0
			obs := runtime.ObserverFuncs{NodeFinish: func(string) { firings++ }}
			opts := []runtime.Option{runtime.WithObserver(obs)}
			if limit != runtime.DefaultMaxSteps {
				opts = append(opts, runtime.WithMaxSteps(limit))
			}
			eng := newEngine(t, testRegistry(&count), loopGraph(), opts...)

			_, err := eng.Run(context.Background())
			if !errors.Is(err, runtime.ErrMaxStepsExceeded) {
				t.Fatalf("Run() error = %v, want ErrMaxStepsExceeded", err)
			}
			var runErr *runtime.RunError
			if !errors.As(err, &runErr) {
				t.Fatalf("error %T is not *RunError", err)
			}
			if firings != limit || runErr.Steps != limit {
				t.Errorf("firings = %d, steps = %d; want exactly %d", firings, runErr.Steps, limit)
			}
			if len(runErr.Results) == 0 {
				t.Error("RunError should carry partial results")
			}
		})
	}
}

func TestEngine_PureCycle(t *testing.T) {
	def := graph.NewBuilder("cycle").
		Node("entry", "BeginPlay", nil).
		Node("a", "Add", nil).
		Node("b", "Add", nil).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("a", "sum", "b", "a").
		Data("b", "sum", "a", "a").
		Data("a", "sum", "print", "text").
		MustBuild()

	rec := &recorder{}
	_, err := newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(rec)).Run(context.Background())
	if !errors.Is(err, runtime.ErrCycleDetected) {
		t.Fatalf("Run() error = %v, want ErrCycleDetected", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("error %q should name the cycle path", err)
	}
	var runErr *runtime.RunError
	if !errors.As(err, &runErr) || runErr.NodeID != "print" {
		t.Errorf("RunError.NodeID = %v, want print", runErr)
	}
	for _, c := range rec.calls {
		if c == "start:print" {
			t.Error("print must not start when its inputs cannot be resolved")
		}
	}
}

func TestEngine_SelfLoop(t *testing.T) {
	def := graph.NewBuilder("self").
		Node("entry", "BeginPlay", nil).
		Node("a", "Add", nil).
		Node("print", "Print", nil).
		Exec("entry", "out", "print", "in").
		Data("a", "sum", "a", "b").
		Data("a", "sum", "print", "text").
		MustBuild()

	_, err := newEngine(t, nodes.NewRegistry(), def).Run(context.Background())
	if !errors.Is(err, runtime.ErrCycleDetected) {
		t.Fatalf("Run() error = %v, want ErrCycleDetected", err)
	}
}

func TestEngine_ExecNodeValueIsLastFiring(t *testing.T) {
	// p2 reads p1's printed value instead of recomputing it.
	def := graph.NewBuilder("readback").
		Node("entry", "BeginPlay", nil).
		Node("p1", "Print", map[string]any{"in_default:text": "first"}).
		Node("p2", "Print", nil).
		Exec("entry", "out", "p1", "in").
		Exec("p1", "then", "p2", "in").
		Data("p1", "printed", "p2", "text").
		MustBuild()

	rec := &recorder{}
	res := run(t, newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(rec)))
	if got := res.Results["p2"]["printed"]; got != "first" {
		t.Errorf("p2.printed = %#v, want \"first\"", got)
	}
	if n := len(rec.only("start:p1")); n != 1 {
		t.Errorf("p1 started %d times, want 1", n)
	}
}

func TestEngine_UnfiredExecSourceReadsZero(t *testing.T) {
	def := graph.NewBuilder("unfired").
		Node("entry", "BeginPlay", nil).
		Node("never", "Print", map[string]any{"in_default:text": "x"}).
		Node("p", "Print", nil).
		Exec("entry", "out", "p", "in").
		Data("never", "printed", "p", "text").
		MustBuild()

	res := run(t, newEngine(t, nodes.NewRegistry(), def))
	if got := res.Results["p"]["printed"]; got != "" {
		t.Errorf("printed = %#v, want empty string", got)
	}
}

func TestEngine_ResultsMergeAcrossFirings(t *testing.T) {
	var count int
	def := graph.NewBuilder("merge").
		Node("entry", "BeginPlay", nil).
		Node("seq", "Sequence", nil).
		Node("emit", "Emit", nil).
		Exec("entry", "out", "seq", "in").
		Exec("seq", "then0", "emit", "in").
		Exec("seq", "then1", "emit", "in").
		MustBuild()

	res := run(t, newEngine(t, testRegistry(&count), def))
	got := res.Results["emit"]
	if got["k1"] != 1 || got["k2"] != 2 || got["last"] != 2 {
		t.Errorf("emit results = %v, want k1=1 k2=2 last=2", got)
	}
}

func TestEngine_BranchRoutes(t *testing.T) {
	def := graph.NewBuilder("branch").
		Node("entry", "BeginPlay", nil).
		Node("cond", "ConstBool", map[string]any{"value": false}).
		Node("if", "Branch", nil).
		Node("yes", "Print", map[string]any{"in_default:text": "yes"}).
		Node("no", "Print", map[string]any{"in_default:text": "no"}).
		Exec("entry", "out", "if", "in").
		Exec("if", "true", "yes", "in").
		Exec("if", "false", "no", "in").
		Data("cond", "value", "if", "condition").
		MustBuild()

	res := run(t, newEngine(t, nodes.NewRegistry(), def))
	if _, ok := res.Results["yes"]; ok {
		t.Error("true branch should not fire")
	}
	if got := res.Results["no"]["printed"]; got != "no" {
		t.Errorf("no.printed = %#v, want \"no\"", got)
	}
}

func TestEngine_UnknownType(t *testing.T) {
	def := graph.NewBuilder("bad").Node("x", "Teleport", nil).MustBuild()
	_, err := runtime.NewEngine(nodes.NewRegistry(), def)
	if !errors.Is(err, runtime.ErrUnknownType) {
		t.Fatalf("NewEngine() error = %v, want ErrUnknownType", err)
	}
}

func TestEngine_DanglingEdges(t *testing.T) {
	t.Run("exec", func(t *testing.T) {
		def := graph.NewBuilder("dangling").
			Node("entry", "BeginPlay", nil).
			Exec("entry", "out", "ghost", "in").
			MustBuild()
		_, err := newEngine(t, nodes.NewRegistry(), def).Run(context.Background())
		if !errors.Is(err, runtime.ErrNodeNotFound) {
			t.Fatalf("Run() error = %v, want ErrNodeNotFound", err)
		}
	})
	t.Run("data", func(t *testing.T) {
		def := graph.NewBuilder("dangling").
			Node("entry", "BeginPlay", nil).
			Node("p", "Print", nil).
			Exec("entry", "out", "p", "in").
			Data("ghost", "value", "p", "text").
			MustBuild()
		_, err := newEngine(t, nodes.NewRegistry(), def).Run(context.Background())
		if !errors.Is(err, runtime.ErrNodeNotFound) {
			t.Fatalf("Run() error = %v, want ErrNodeNotFound", err)
		}
	})
}

func TestEngine_NodeErrorIsFatal(t *testing.T) {
	for _, typeName := range []string{"Fail", "Boom"} {
		t.Run(typeName, func(t *testing.T) {
			var count int
			def := graph.NewBuilder("fail").
				Node("entry", "BeginPlay", nil).
				Node("p", "Print", map[string]any{"in_default:text": "before"}).
				Node("bad", typeName, nil).
				Exec("entry", "out", "p", "in").
				Exec("p", "then", "bad", "in").
				MustBuild()

			_, err := newEngine(t, testRegistry(&count), def).Run(context.Background())
			if !errors.Is(err, runtime.ErrNodeExecution) {
				t.Fatalf("Run() error = %v, want ErrNodeExecution", err)
			}
			var runErr *runtime.RunError
			if !errors.As(err, &runErr) {
				t.Fatalf("error %T is not *RunError", err)
			}
			if runErr.NodeID != "bad" {
				t.Errorf("NodeID = %q, want bad", runErr.NodeID)
			}
			if runErr.Results["p"]["printed"] != "before" {
				t.Errorf("partial results = %v, want p.printed", runErr.Results)
			}
		})
	}
}

func TestEngine_ObserverPanicIsSwallowed(t *testing.T) {
	def := graph.NewBuilder("obs").
		Node("entry", "BeginPlay", nil).
		Node("p", "Print", map[string]any{"in_default:text": "ok"}).
		Exec("entry", "out", "p", "in").
		MustBuild()

	rec := &recorder{}
	bad := runtime.ObserverFuncs{
		NodeStart: func(string) { panic("visualization bug") },
		EdgeFired: func(string, string, string, string) { panic("again") },
	}
	eng := newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(runtime.MultiObserver(bad, rec)))

	res := run(t, eng)
	if got := res.Results["p"]["printed"]; got != "ok" {
		t.Errorf("printed = %#v, want ok", got)
	}
	if len(rec.only("start:")) != 2 {
		t.Errorf("second observer missed callbacks: %v", rec.calls)
	}
}

func TestEngine_BaseObserverEmbedding(t *testing.T) {
	type onlyEdges struct {
		runtime.BaseObserver
		n *int
	}
	n := 0
	def := graph.NewBuilder("embed").
		Node("entry", "BeginPlay", nil).
		Node("p", "Print", nil).
		Exec("entry", "out", "p", "in").
		MustBuild()

	run(t, newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(onlyEdges{n: &n})))
	if n != 0 {
		t.Errorf("no-op observer changed state: %d", n)
	}
}

// startsOnly implements just the node-start callback.
type startsOnly struct {
	ids *[]string
}

func (s startsOnly) OnNodeStart(nodeID string) { *s.ids = append(*s.ids, nodeID) }

func TestEngine_SingleCallbackObserver(t *testing.T) {
	def := graph.NewBuilder("partial").
		Node("entry", "BeginPlay", nil).
		Node("p", "Print", map[string]any{"in_default:text": "hi"}).
		Exec("entry", "out", "p", "in").
		MustBuild()

	var ids []string
	res := run(t, newEngine(t, nodes.NewRegistry(), def, runtime.WithObserver(startsOnly{ids: &ids})))
	if got := res.Results["p"]["printed"]; got != "hi" {
		t.Errorf("printed = %#v, want hi", got)
	}
	if len(ids) != 2 || ids[0] != "entry" || ids[1] != "p" {
		t.Errorf("started = %v, want [entry p]", ids)
	}

	ids = nil
	rec := &recorder{}
	run(t, newEngine(t, nodes.NewRegistry(), def,
		runtime.WithObserver(runtime.MultiObserver(struct{}{}, startsOnly{ids: &ids}, rec))))
	if len(ids) != 2 {
		t.Errorf("started through MultiObserver = %v, want 2 ids", ids)
	}
	if len(rec.only("edge:")) != 1 {
		t.Errorf("full observer calls = %v", rec.calls)
	}
}

func TestEngine_EdgeKinds(t *testing.T) {
	build := func(kind graph.EdgeKind) *graph.Definition {
		def := graph.NewBuilder("kinds").
			Node("entry", "BeginPlay", nil).
			Node("c", "ConstString", map[string]any{"value": "wired"}).
			Node("p", "Print", nil).
			Exec("entry", "out", "p", "in").
			Data("c", "value", "p", "text").
			MustBuild()
		def.Edges[1].Kind = kind
		return def
	}

	res := run(t, newEngine(t, nodes.NewRegistry(), build("")))
	if got := res.Results["p"]["printed"]; got != "wired" {
		t.Errorf("empty edge kind: printed = %#v, want data edge value", got)
	}

	_, err := runtime.NewEngine(nodes.NewRegistry(), build("wire"))
	if !errors.Is(err, graph.ErrInvalidEdgeKind) {
		t.Errorf("NewEngine() error = %v, want ErrInvalidEdgeKind", err)
	}
}

func TestEngine_RunTwice(t *testing.T) {
	def := graph.NewBuilder("once").Node("entry", "BeginPlay", nil).MustBuild()
	eng := newEngine(t, nodes.NewRegistry(), def)
	run(t, eng)
	if _, err := eng.Run(context.Background()); !errors.Is(err, runtime.ErrAlreadyRun) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRun", err)
	}
}

func TestEngine_Classification(t *testing.T) {
	def := graph.NewBuilder("cls").
		Node("c", "ConstInt", nil).
		Node("entry", "BeginPlay", nil).
		Node("add", "Add", nil).
		Node("p", "Print", nil).
		MustBuild()

	eng := newEngine(t, nodes.NewRegistry(), def, runtime.WithRunID("fixed"))
	if got := strings.Join(eng.PureNodes(), ","); got != "c,add" {
		t.Errorf("PureNodes() = %s, want c,add", got)
	}
	if got := strings.Join(eng.ExecNodes(), ","); got != "entry,p" {
		t.Errorf("ExecNodes() = %s, want entry,p", got)
	}
	if eng.RunID() != "fixed" {
		t.Errorf("RunID() = %q, want fixed", eng.RunID())
	}
}
