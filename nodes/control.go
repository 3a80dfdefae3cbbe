package nodes

import (
	"context"
	"fmt"

	"github.com/petal-labs/petalscript/core"
)

// BeginPlay is the usual entry node: it fires "out" once per run.
type BeginPlay struct {
	core.BaseNode
}

func beginPlayDef() core.TypeDef {
	return newNode(core.TypeDef{
		Name:        "BeginPlay",
		Title:       "Begin Play",
		Description: "Fires once when the run starts.",
		Group:       "control",
		ExecOutputs: []string{"out"},
	}, func(b core.BaseNode) *BeginPlay { return &BeginPlay{BaseNode: b} })
}

// Print writes its text input to the run output and exposes it as
// "printed".
type Print struct {
	core.BaseNode
}

func printDef() core.TypeDef {
	return newNode(core.TypeDef{
		Name:        "Print",
		Title:       "Print",
		Description: "Prints text and passes execution on.",
		Group:       "control",
		Inputs:      []core.PortDef{{Name: "text", Kind: core.KindString}},
		Outputs:     []core.PortDef{{Name: "printed", Kind: core.KindString}},
		ExecInputs:  []string{"in"},
		ExecOutputs: []string{"then"},
	}, func(b core.BaseNode) *Print { return &Print{BaseNode: b} })
}

func (n *Print) OnExec(_ context.Context, scope *core.Scope, in core.Values) ([]string, core.Values, error) {
	text := core.FormatValue(in["text"])
	if scope != nil {
		if scope.Out != nil {
			if _, err := fmt.Fprintln(scope.Out, text); err != nil {
				return nil, nil, fmt.Errorf("print: %w", err)
			}
		}
		scope.Logger().Debug("print", "text", text)
	}
	return []string{"then"}, core.Values{"printed": text}, nil
}

// Sequence fires each of its outputs in declaration order.
type Sequence struct {
	core.BaseNode
}

func sequenceDef() core.TypeDef {
	return newNode(core.TypeDef{
		Name:        "Sequence",
		Title:       "Sequence",
		Description: "Fires then0 and then1 in order.",
		Group:       "control",
		ExecInputs:  []string{"in"},
		ExecOutputs: []string{"then0", "then1"},
	}, func(b core.BaseNode) *Sequence { return &Sequence{BaseNode: b} })
}

func (n *Sequence) OnExec(context.Context, *core.Scope, core.Values) ([]string, core.Values, error) {
	return append([]string(nil), n.Type().ExecOutputs...), core.Values{}, nil
}

// Branch fires "true" or "false" depending on its condition input.
type Branch struct {
	core.BaseNode
}

func branchDef() core.TypeDef {
	return newNode(core.TypeDef{
		Name:        "Branch",
		Title:       "Branch",
		Description: "Routes execution on a boolean condition.",
		Group:       "control",
		Inputs:      []core.PortDef{{Name: "condition", Kind: core.KindBool}},
		ExecInputs:  []string{"in"},
		ExecOutputs: []string{"true", "false"},
	}, func(b core.BaseNode) *Branch { return &Branch{BaseNode: b} })
}

func (n *Branch) OnExec(_ context.Context, _ *core.Scope, in core.Values) ([]string, core.Values, error) {
	v, err := core.Cast(in["condition"], core.KindBool)
	if err != nil {
		return nil, nil, fmt.Errorf("branch condition: %w", err)
	}
	if v.(bool) {
		return []string{"true"}, core.Values{}, nil
	}
	return []string{"false"}, core.Values{}, nil
}
