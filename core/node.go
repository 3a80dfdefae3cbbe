// Package core provides the foundational types for petalscript graphs.
//
// This package contains:
//   - The node contract: TypeDef, Node and the embeddable BaseNode
//   - Value kinds and the casting rules used by variable nodes
//   - Scope, the explicit context handed to every node invocation
//   - Variables, the shared variable store of a run
package core

import (
	"context"
	"maps"
)

// DefaultPrefix is the parameter key prefix consulted for unwired inputs.
// An unwired input port "a" reads the parameter "in_default:a".
const DefaultPrefix = "in_default:"

// Values maps port names to values.
type Values map[string]any

// Clone returns a shallow copy of the map. A nil map clones to an empty one.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	maps.Copy(out, v)
	return out
}

// Params holds the configuration of one node instance.
type Params map[string]any

// Clone returns a shallow copy of the params.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	maps.Copy(out, p)
	return out
}

// String returns the param as a string, or fallback when absent.
func (p Params) String(key, fallback string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return fallback
	}
	return FormatValue(v)
}

// Default returns the effective value of an unwired input port: the
// "in_default:<port>" param when present, otherwise the kind's zero value.
func (p Params) Default(port string, kind Kind) any {
	if v, ok := p[DefaultPrefix+port]; ok {
		return v
	}
	return kind.Zero()
}

// PortDef describes a single data port.
type PortDef struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// TypeDef describes a registered node type. The exec port lists decide
// whether instances are pure (no exec ports at all) or exec nodes.
type TypeDef struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Category is the palette category. When empty, CategoryFunc and then
	// Group are consulted by the registry.
	Category     string        `json:"category,omitempty"`
	CategoryFunc func() string `json:"-"`
	Group        string        `json:"group,omitempty"`
	Hidden       bool          `json:"hidden,omitempty"`

	Inputs      []PortDef `json:"inputs"`
	Outputs     []PortDef `json:"outputs"`
	ExecInputs  []string  `json:"exec_inputs"`
	ExecOutputs []string  `json:"exec_outputs"`

	// New builds an instance from its params.
	New func(params Params) (Node, error) `json:"-"`
}

// DisplayTitle returns Title, falling back to the type name.
func (d TypeDef) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

// Pure reports whether the type declares no exec ports.
func (d TypeDef) Pure() bool {
	return len(d.ExecInputs) == 0 && len(d.ExecOutputs) == 0
}

// Entry reports whether the type is an exec node without exec inputs.
func (d TypeDef) Entry() bool {
	return !d.Pure() && len(d.ExecInputs) == 0
}

// InputKind returns the declared kind of an input port.
func (d TypeDef) InputKind(port string) (Kind, bool) {
	for _, p := range d.Inputs {
		if p.Name == port {
			return p.Kind, true
		}
	}
	return "", false
}

// HasOutput reports whether the type declares the data output port.
func (d TypeDef) HasOutput(port string) bool {
	for _, p := range d.Outputs {
		if p.Name == port {
			return true
		}
	}
	return false
}

// HasExecInput reports whether the type declares the exec input port.
func (d TypeDef) HasExecInput(port string) bool {
	for _, p := range d.ExecInputs {
		if p == port {
			return true
		}
	}
	return false
}

// HasExecOutput reports whether the type declares the exec output port.
func (d TypeDef) HasExecOutput(port string) bool {
	for _, p := range d.ExecOutputs {
		if p == port {
			return true
		}
	}
	return false
}

// Node is a single instance of a node type inside one run.
//
// Process computes the outputs of a pure node from its resolved inputs.
// OnExec handles an incoming exec signal and returns the exec output
// ports to fire together with the produced values. Errors returned from
// either method abort the run.
type Node interface {
	Type() *TypeDef
	Params() Params
	Process(ctx context.Context, scope *Scope, in Values) (Values, error)
	OnExec(ctx context.Context, scope *Scope, in Values) ([]string, Values, error)
}

// IsPure reports whether n is a pure node.
func IsPure(n Node) bool {
	return n.Type().Pure()
}

// BaseNode supplies the default node behavior. Embed it and override the
// methods the type needs.
type BaseNode struct {
	def    *TypeDef
	params Params
}

// NewBaseNode returns a BaseNode bound to def with a private copy of params.
func NewBaseNode(def *TypeDef, params Params) BaseNode {
	return BaseNode{def: def, params: params.Clone()}
}

// Type returns the node's type definition.
func (b *BaseNode) Type() *TypeDef {
	return b.def
}

// Params returns a copy of the node's params.
func (b *BaseNode) Params() Params {
	return b.params.Clone()
}

// Param returns a single param without copying the whole map.
func (b *BaseNode) Param(key string) (any, bool) {
	v, ok := b.params[key]
	return v, ok
}

// Process returns no outputs.
func (b *BaseNode) Process(context.Context, *Scope, Values) (Values, error) {
	return Values{}, nil
}

// OnExec fires the first declared exec output, if any, with no values.
func (b *BaseNode) OnExec(context.Context, *Scope, Values) ([]string, Values, error) {
	if b.def == nil || len(b.def.ExecOutputs) == 0 {
		return nil, Values{}, nil
	}
	return []string{b.def.ExecOutputs[0]}, Values{}, nil
}
