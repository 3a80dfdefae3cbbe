package nodes

import (
	"context"
	"fmt"
	"reflect"

	"github.com/petal-labs/petalscript/core"
)

// Const outputs its "value" param cast to the node's kind.
type Const struct {
	core.BaseNode
	kind core.Kind
}

func constDef(name, title string, kind core.Kind) core.TypeDef {
	return newNode(core.TypeDef{
		Name:        name,
		Title:       title,
		Description: fmt.Sprintf("A constant %s value.", kind),
		Category:    "Variables",
		Outputs:     []core.PortDef{{Name: "value", Kind: kind}},
	}, func(b core.BaseNode) *Const { return &Const{BaseNode: b, kind: kind} })
}

func (n *Const) Process(context.Context, *core.Scope, core.Values) (core.Values, error) {
	raw, ok := n.Param("value")
	if !ok {
		return core.Values{"value": n.kind.Zero()}, nil
	}
	v, err := core.Cast(raw, n.kind)
	if err != nil {
		return nil, err
	}
	return core.Values{"value": v}, nil
}

// Constant outputs its "value" param without failing: numbers that do not
// parse become zero and booleans follow truthiness.
type Constant struct {
	core.BaseNode
	kind core.Kind
}

func constantDef(name, title string, kind core.Kind) core.TypeDef {
	return newNode(core.TypeDef{
		Name:         name,
		Title:        title,
		Description:  fmt.Sprintf("A constant %s value; invalid input reads as the zero value.", kind),
		CategoryFunc: mathCategory,
		Outputs:      []core.PortDef{{Name: "value", Kind: kind}},
	}, func(b core.BaseNode) *Constant { return &Constant{BaseNode: b, kind: kind} })
}

func mathCategory() string { return "Math" }

func (n *Constant) Process(context.Context, *core.Scope, core.Values) (core.Values, error) {
	raw, _ := n.Param("value")
	if n.kind == core.KindBool {
		return core.Values{"value": truthy(raw)}, nil
	}
	v, err := core.Cast(raw, n.kind)
	if err != nil {
		v = n.kind.Zero()
	}
	return core.Values{"value": v}, nil
}

// truthy reports whether v is non-empty: nil, false, zero numbers and
// empty strings, slices and maps are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Arith combines inputs a and b. Integers stay integers; any float
// operand makes the result a float.
type Arith struct {
	core.BaseNode
	out   string
	onInt func(a, b int) int
	onF   func(a, b float64) float64
}

func addDef() core.TypeDef {
	return arithDef("Add", "sum",
		func(a, b int) int { return a + b },
		func(a, b float64) float64 { return a + b })
}

func multiplyDef() core.TypeDef {
	return arithDef("Multiply", "product",
		func(a, b int) int { return a * b },
		func(a, b float64) float64 { return a * b })
}

func arithDef(name, out string, onInt func(a, b int) int, onF func(a, b float64) float64) core.TypeDef {
	return newNode(core.TypeDef{
		Name:  name,
		Title: name,
		Group: "math",
		Inputs: []core.PortDef{
			{Name: "a", Kind: core.KindFloat},
			{Name: "b", Kind: core.KindFloat},
		},
		Outputs: []core.PortDef{{Name: out, Kind: core.KindFloat}},
	}, func(b core.BaseNode) *Arith {
		return &Arith{BaseNode: b, out: out, onInt: onInt, onF: onF}
	})
}

func (n *Arith) Process(_ context.Context, _ *core.Scope, in core.Values) (core.Values, error) {
	a, aInt := asInt(in["a"])
	b, bInt := asInt(in["b"])
	if aInt && bInt {
		return core.Values{n.out: n.onInt(a, b)}, nil
	}
	fa, err := core.Cast(in["a"], core.KindFloat)
	if err != nil {
		return nil, fmt.Errorf("%s input a: %w", n.Type().Name, err)
	}
	fb, err := core.Cast(in["b"], core.KindFloat)
	if err != nil {
		return nil, fmt.Errorf("%s input b: %w", n.Type().Name, err)
	}
	return core.Values{n.out: n.onF(fa.(float64), fb.(float64))}, nil
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	default:
		return 0, false
	}
}

// ToString renders its "value" input as "text".
type ToString struct {
	core.BaseNode
	kind core.Kind
}

func toStringDef(name, title string, kind core.Kind) core.TypeDef {
	return newNode(core.TypeDef{
		Name:    name,
		Title:   title,
		Group:   "convert",
		Inputs:  []core.PortDef{{Name: "value", Kind: kind}},
		Outputs: []core.PortDef{{Name: "text", Kind: core.KindString}},
	}, func(b core.BaseNode) *ToString { return &ToString{BaseNode: b, kind: kind} })
}

func (n *ToString) Process(_ context.Context, _ *core.Scope, in core.Values) (core.Values, error) {
	v, err := core.Cast(in["value"], n.kind)
	if err != nil {
		return nil, err
	}
	return core.Values{"text": core.FormatValue(v)}, nil
}
