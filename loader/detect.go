// Package loader reads node-script graph files. Graphs are stored as JSON
// or YAML documents with the same shape; YAML is converted to JSON before
// decoding so both formats share one set of struct tags.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a graph document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrNotAGraph is returned when a document parses but has no nodes list.
var ErrNotAGraph = errors.New("document is not a graph: missing \"nodes\"")

// DetectFormat picks the format from the file extension (.yaml/.yml is
// YAML). Without a recognized extension, a document whose first
// non-blank byte is '{' is JSON and anything else is YAML.
func DetectFormat(data []byte, path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// DetectSchema parses data and checks that it looks like a graph: a
// mapping with a "nodes" key. An "edges" key is optional.
func DetectSchema(data []byte, path string) (Format, error) {
	format := DetectFormat(data, path)

	var raw map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if !hasKey(raw, "nodes") {
		return "", ErrNotAGraph
	}
	return format, nil
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts YAML to JSON: YAML -> any -> JSON bytes.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}

func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yamlToJSON(data)
	}
	return data, nil
}
