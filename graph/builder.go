package graph

import (
	"errors"
	"fmt"
)

// Builder provides a fluent API for constructing definitions in code.
//
//	def, err := graph.NewBuilder("hello").
//	    Node("start", "BeginPlay", nil).
//	    Node("msg", "ConstString", map[string]any{"value": "hi"}).
//	    Node("print", "Print", nil).
//	    Exec("start", "out", "print", "in").
//	    Data("msg", "value", "print", "text").
//	    Build()
type Builder struct {
	def    Definition
	ids    map[string]bool
	errors []error
}

// NewBuilder creates a builder for a graph with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{
		def: Definition{ID: id},
		ids: make(map[string]bool),
	}
}

// Node appends a node. Duplicate ids are reported by Build.
func (b *Builder) Node(id, typeName string, params map[string]any) *Builder {
	if b.ids[id] {
		b.errors = append(b.errors, fmt.Errorf("duplicate node id %q", id))
		return b
	}
	b.ids[id] = true
	b.def.Nodes = append(b.def.Nodes, NodeSpec{ID: id, Type: typeName, Params: params})
	return b
}

// Data appends a data edge.
func (b *Builder) Data(srcID, srcPort, dstID, dstPort string) *Builder {
	b.def.Edges = append(b.def.Edges, EdgeSpec{
		Kind: EdgeData, SrcID: srcID, SrcPort: srcPort, DstID: dstID, DstPort: dstPort,
	})
	return b
}

// Exec appends an exec edge.
func (b *Builder) Exec(srcID, srcPort, dstID, dstPort string) *Builder {
	b.def.Edges = append(b.def.Edges, EdgeSpec{
		Kind: EdgeExec, SrcID: srcID, SrcPort: srcPort, DstID: dstID, DstPort: dstPort,
	})
	return b
}

// Var sets an initial variable value.
func (b *Builder) Var(name string, value any) *Builder {
	if b.def.Variables == nil {
		b.def.Variables = make(map[string]any)
	}
	b.def.Variables[name] = value
	return b
}

// Build returns the definition or the accumulated builder errors.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errors) > 0 {
		return nil, errors.Join(b.errors...)
	}
	return b.def.Clone(), nil
}

// MustBuild is like Build but panics on error. Intended for tests and
// static graphs.
func (b *Builder) MustBuild() *Definition {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
