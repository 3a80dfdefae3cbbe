package graph

import (
	"fmt"

	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/registry"
)

// Diagnostic represents a validation error or warning.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Validate checks structural integrity of the definition. It checks rules
// that can be verified without a node registry:
//   - GR-001: edge source/target reference existing nodes
//   - GR-002: orphan nodes (warning)
//   - GR-005: duplicate node IDs
//   - GR-007: edge kind must be data or exec
//   - GR-009: more than one data edge into the same input (warning, last wins)
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(d.Nodes))

	for i, node := range d.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true
	}

	inputs := make(map[string]int)
	for i, edge := range d.Edges {
		if !nodeIDs[edge.SrcID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.SrcID),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.DstID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.DstID),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
		if edge.Kind != EdgeData && edge.Kind != EdgeExec {
			diags = append(diags, Diagnostic{
				Code:     "GR-007",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge kind %q must be %q or %q", edge.Kind, EdgeData, EdgeExec),
				Path:     fmt.Sprintf("edges[%d].kind", i),
			})
		}
		if edge.Kind == EdgeData {
			key := edge.DstID + "." + edge.DstPort
			if prev, seen := inputs[key]; seen {
				diags = append(diags, Diagnostic{
					Code:     "GR-009",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Input %s is wired twice; edges[%d] overrides edges[%d]", key, i, prev),
					Path:     fmt.Sprintf("edges[%d]", i),
				})
			}
			inputs[key] = i
		}
	}

	if len(d.Nodes) > 1 {
		connected := make(map[string]bool)
		for _, edge := range d.Edges {
			connected[edge.SrcID] = true
			connected[edge.DstID] = true
		}
		for i, node := range d.Nodes {
			if !connected[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     "GR-002",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q has no inbound or outbound edges", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	return diags
}

// ValidateWithRegistry runs structural validation plus registry-dependent checks:
//   - GR-003: node type must exist in the registry
//   - GR-004: cycles among pure nodes along data edges
//   - GR-006: edge ports must be declared by the node types
//   - GR-008: exec edges must connect exec nodes
//   - GR-010: graph has no entry exec node (warning)
func (d *Definition) ValidateWithRegistry(reg *registry.Registry) []Diagnostic {
	diags := d.Validate()
	if reg == nil {
		return diags
	}

	defs := make(map[string]core.TypeDef, len(d.Nodes))
	hasEntry := false
	for i, node := range d.Nodes {
		def, ok := reg.Get(node.Type)
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "GR-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q references unknown type %q", node.ID, node.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
			continue
		}
		defs[node.ID] = def
		if def.Entry() {
			hasEntry = true
		}
	}

	for i, edge := range d.Edges {
		src, srcOK := defs[edge.SrcID]
		dst, dstOK := defs[edge.DstID]
		if !srcOK || !dstOK {
			continue
		}
		path := fmt.Sprintf("edges[%d]", i)
		switch edge.Kind {
		case EdgeData:
			if !src.HasOutput(edge.SrcPort) {
				diags = append(diags, portDiagnostic(path+".sourcePort", edge.SrcID, src.Name, edge.SrcPort, "output"))
			}
			if _, ok := dst.InputKind(edge.DstPort); !ok {
				diags = append(diags, portDiagnostic(path+".targetPort", edge.DstID, dst.Name, edge.DstPort, "input"))
			}
		case EdgeExec:
			if src.Pure() || dst.Pure() {
				diags = append(diags, Diagnostic{
					Code:     "GR-008",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Exec edge %s connects a pure node", edge),
					Path:     path,
				})
				continue
			}
			if !src.HasExecOutput(edge.SrcPort) {
				diags = append(diags, portDiagnostic(path+".sourcePort", edge.SrcID, src.Name, edge.SrcPort, "exec output"))
			}
			if !dst.HasExecInput(edge.DstPort) {
				diags = append(diags, portDiagnostic(path+".targetPort", edge.DstID, dst.Name, edge.DstPort, "exec input"))
			}
		}
	}

	if cycle := d.detectPureCycle(defs); cycle != "" {
		diags = append(diags, Diagnostic{
			Code:     "GR-004",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Data graph contains a cycle among pure nodes: %s", cycle),
		})
	}

	if len(d.Nodes) > 0 && !hasEntry {
		diags = append(diags, Diagnostic{
			Code:     "GR-010",
			Severity: SeverityWarning,
			Message:  "Graph has no entry exec node; running it fires nothing",
		})
	}

	return diags
}

func portDiagnostic(path, nodeID, typeName, port, role string) Diagnostic {
	return Diagnostic{
		Code:     "GR-006",
		Severity: SeverityError,
		Message:  fmt.Sprintf("Port %q is not an %s port on node %q (type %q)", port, role, nodeID, typeName),
		Path:     path,
	}
}

// detectPureCycle runs Kahn's algorithm over data edges between pure
// nodes. Exec nodes break cycles because their values are read back from
// the last firing rather than recomputed.
func (d *Definition) detectPureCycle(defs map[string]core.TypeDef) string {
	pure := func(id string) bool {
		def, ok := defs[id]
		return ok && def.Pure()
	}

	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	for _, node := range d.Nodes {
		if pure(node.ID) {
			inDegree[node.ID] = 0
		}
	}
	for _, edge := range d.Edges {
		if edge.Kind != EdgeData || !pure(edge.SrcID) || !pure(edge.DstID) {
			continue
		}
		successors[edge.SrcID] = append(successors[edge.SrcID], edge.DstID)
		inDegree[edge.DstID]++
	}

	queue := make([]string, 0)
	for _, node := range d.Nodes {
		if deg, ok := inDegree[node.ID]; ok && deg == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(inDegree) {
		var cycleNodes []string
		for _, node := range d.Nodes {
			if inDegree[node.ID] > 0 {
				cycleNodes = append(cycleNodes, node.ID)
			}
		}
		return fmt.Sprintf("nodes involved: %v", cycleNodes)
	}
	return ""
}
