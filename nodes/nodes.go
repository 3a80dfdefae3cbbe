// Package nodes provides the built-in node catalog: entry and flow
// control, constants, arithmetic, conversions and variable access.
package nodes

import (
	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/registry"
)

// Register adds every built-in node type to r.
func Register(r *registry.Registry) {
	for _, def := range Catalog() {
		r.Register(def)
	}
}

// NewRegistry returns a registry pre-loaded with the built-in catalog.
func NewRegistry(opts ...registry.Option) *registry.Registry {
	r := registry.New(opts...)
	Register(r)
	return r
}

// Catalog returns the definitions of all built-in node types.
func Catalog() []core.TypeDef {
	return []core.TypeDef{
		beginPlayDef(),
		printDef(),
		sequenceDef(),
		branchDef(),
		constDef("ConstInt", "Int", core.KindInt),
		constDef("ConstFloat", "Float", core.KindFloat),
		constDef("ConstBool", "Bool", core.KindBool),
		constDef("ConstString", "String", core.KindString),
		constantDef("ConstantNumber", "Constant (float)", core.KindFloat),
		constantDef("ConstantInt", "Constant (int)", core.KindInt),
		constantDef("ConstantBool", "Constant (bool)", core.KindBool),
		addDef(),
		multiplyDef(),
		toStringDef("IntToString", "Int → String", core.KindInt),
		toStringDef("FloatToString", "Float → String", core.KindFloat),
		toStringDef("BoolToString", "Bool → String", core.KindBool),
		getVariableDef(),
		setVariableDef(),
	}
}

// newNode binds a factory to its own definition so instances can report
// their type without a registry lookup.
func newNode[T core.Node](def core.TypeDef, build func(base core.BaseNode) T) core.TypeDef {
	def.New = func(params core.Params) (core.Node, error) {
		d := def
		return build(core.NewBaseNode(&d, params)), nil
	}
	return def
}
