package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/registry"
)

// LoadFile reads and decodes a graph file without validating it.
func LoadFile(path string) (*graph.Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a graph document. path only selects the format and may be
// empty. Edge kinds default to data.
func Parse(data []byte, path string) (*graph.Definition, error) {
	format, err := DetectSchema(data, path)
	if err != nil {
		return nil, err
	}
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	var def graph.Definition
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing graph definition: %w", err)
	}
	normalize(&def)
	return &def, nil
}

// Load reads a graph file and validates it against reg. Validation
// errors are returned as a *DiagnosticError; warnings are returned
// alongside a successful result.
func Load(path string, reg *registry.Registry) (*graph.Definition, []graph.Diagnostic, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	diags, err := Check(def, reg)
	if err != nil {
		return nil, diags, err
	}
	return def, diags, nil
}

// Check runs structural and registry validation.
func Check(def *graph.Definition, reg *registry.Registry) ([]graph.Diagnostic, error) {
	diags := def.ValidateWithRegistry(reg)
	if graph.HasErrors(diags) {
		return diags, &DiagnosticError{Diagnostics: diags}
	}
	return diags, nil
}

// Marshal encodes a definition in the given format.
func Marshal(def *graph.Definition, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yaml.Marshal(def)
	}
	return json.MarshalIndent(def, "", "  ")
}

// normalize fills in defaults and turns json.Number values into int or
// float64 so the engine sees plain Go numbers.
func normalize(def *graph.Definition) {
	for i := range def.Edges {
		if def.Edges[i].Kind == "" {
			def.Edges[i].Kind = graph.EdgeData
		}
	}
	NormalizeValues(def.Variables)
	for i := range def.Nodes {
		NormalizeValues(def.Nodes[i].Params)
	}
}

// NormalizeValues replaces json.Number values in m, at any depth, with
// int when the number is integral and float64 otherwise.
func NormalizeValues(m map[string]any) {
	for key, v := range m {
		m[key] = plainNumber(v)
	}
}

func plainNumber(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]any:
		for k, inner := range n {
			n[k] = plainNumber(inner)
		}
		return n
	case []any:
		for i, inner := range n {
			n[i] = plainNumber(inner)
		}
		return n
	}
	return v
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 0 {
		return "validation failed"
	}
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
