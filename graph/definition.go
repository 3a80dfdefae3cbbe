// Package graph describes node-script graphs: the node and edge
// specifications handed to the engine, plus validation used by tooling
// before a run. The engine itself never validates a definition.
package graph

import (
	"errors"
	"fmt"
	"maps"
)

// EdgeKind distinguishes value-carrying edges from control edges.
type EdgeKind string

const (
	// EdgeData carries a value from an output port to an input port.
	EdgeData EdgeKind = "data"
	// EdgeExec carries a control signal between exec ports.
	EdgeExec EdgeKind = "exec"
)

// ErrInvalidEdgeKind is returned when an edge kind is neither data nor exec.
var ErrInvalidEdgeKind = errors.New("invalid edge kind")

// ParseEdgeKind parses an edge kind name. An empty name means data.
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch EdgeKind(s) {
	case "", EdgeData:
		return EdgeData, nil
	case EdgeExec:
		return EdgeExec, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEdgeKind, s)
	}
}

// NodeSpec describes one node of a graph.
type NodeSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// EdgeSpec describes one connection between two node ports.
type EdgeSpec struct {
	Kind    EdgeKind `json:"kind" yaml:"kind"`
	SrcID   string   `json:"source" yaml:"source"`
	SrcPort string   `json:"sourcePort" yaml:"sourcePort"`
	DstID   string   `json:"target" yaml:"target"`
	DstPort string   `json:"targetPort" yaml:"targetPort"`
}

// String formats the edge as "src.port -> dst.port".
func (e EdgeSpec) String() string {
	return fmt.Sprintf("%s.%s -[%s]-> %s.%s", e.SrcID, e.SrcPort, e.Kind, e.DstID, e.DstPort)
}

// Definition is a complete graph: ordered nodes, ordered edges and the
// initial variable values. Node and edge order are significant: entry
// nodes are seeded in node order and exec fan-out follows edge order.
type Definition struct {
	ID        string            `json:"id" yaml:"id"`
	Version   string            `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Variables map[string]any    `json:"variables,omitempty" yaml:"variables,omitempty"`
	Nodes     []NodeSpec        `json:"nodes" yaml:"nodes"`
	Edges     []EdgeSpec        `json:"edges" yaml:"edges"`
}

// NodeByID returns the spec of the node with the given id.
func (d *Definition) NodeByID(id string) (NodeSpec, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Clone returns a deep enough copy for the engine to own: slices and
// top-level maps are copied, param values are shared.
func (d *Definition) Clone() *Definition {
	cp := &Definition{
		ID:        d.ID,
		Version:   d.Version,
		Metadata:  maps.Clone(d.Metadata),
		Variables: maps.Clone(d.Variables),
		Nodes:     make([]NodeSpec, len(d.Nodes)),
		Edges:     make([]EdgeSpec, len(d.Edges)),
	}
	for i, n := range d.Nodes {
		n.Params = maps.Clone(n.Params)
		cp.Nodes[i] = n
	}
	copy(cp.Edges, d.Edges)
	return cp
}
