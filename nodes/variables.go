package nodes

import (
	"context"
	"errors"

	"github.com/petal-labs/petalscript/core"
)

// ErrNoScope is returned by variable nodes invoked without a scope.
var ErrNoScope = errors.New("variable store unavailable")

// defaultVarType is the kind used when a variable node has no "type" param.
const defaultVarType = "String"

// GetVariable reads a variable from the run's store, cast to its "type".
// A missing variable reads as the kind's zero value.
type GetVariable struct {
	core.BaseNode
}

func getVariableDef() core.TypeDef {
	return newNode(core.TypeDef{
		Name:     "GetVariable",
		Title:    "Get Variable",
		Category: "Variables",
		Hidden:   true,
		Outputs:  []core.PortDef{{Name: "value", Kind: core.KindAny}},
	}, func(b core.BaseNode) *GetVariable { return &GetVariable{BaseNode: b} })
}

func (n *GetVariable) Process(_ context.Context, scope *core.Scope, _ core.Values) (core.Values, error) {
	if scope == nil || scope.Vars == nil {
		return nil, ErrNoScope
	}
	params := n.Params()
	kind := core.ParseKind(params.String("type", defaultVarType))
	v, _ := scope.Vars.Get(params.String("name", ""))
	return core.Values{"value": lenientCast(scope, v, kind)}, nil
}

// SetVariable stores its "value" input, cast to its "type", then fires
// "then".
type SetVariable struct {
	core.BaseNode
}

func setVariableDef() core.TypeDef {
	return newNode(core.TypeDef{
		Name:        "SetVariable",
		Title:       "Set Variable",
		Category:    "Variables",
		Hidden:      true,
		Inputs:      []core.PortDef{{Name: "value", Kind: core.KindAny}},
		ExecInputs:  []string{"in"},
		ExecOutputs: []string{"then"},
	}, func(b core.BaseNode) *SetVariable { return &SetVariable{BaseNode: b} })
}

func (n *SetVariable) OnExec(_ context.Context, scope *core.Scope, in core.Values) ([]string, core.Values, error) {
	if scope == nil || scope.Vars == nil {
		return nil, nil, ErrNoScope
	}
	params := n.Params()
	kind := core.ParseKind(params.String("type", defaultVarType))
	scope.Vars.Set(params.String("name", ""), lenientCast(scope, in["value"], kind))
	return []string{"then"}, core.Values{}, nil
}

// lenientCast converts v to kind. nil becomes the zero value and values
// that cannot be converted are kept as they are.
func lenientCast(scope *core.Scope, v any, kind core.Kind) any {
	if v == nil {
		return kind.Zero()
	}
	out, err := core.Cast(v, kind)
	if err != nil {
		scope.Logger().Debug("variable cast failed, keeping raw value", "kind", kind, "error", err)
		return v
	}
	return out
}
