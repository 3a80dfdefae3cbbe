package loader

import (
	"errors"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
		path string
		want Format
	}{
		{"yaml extension", `{}`, "g.yaml", FormatYAML},
		{"yml extension", `nodes: []`, "G.YML", FormatYAML},
		{"json extension", `nodes: []`, "g.json", FormatJSON},
		{"sniff json", "  \n{\"nodes\": []}", "", FormatJSON},
		{"sniff yaml", "nodes: []", "", FormatYAML},
		{"unknown extension", "{}", "graph.txt", FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat([]byte(tt.data), tt.path); got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectSchema_Graph(t *testing.T) {
	format, err := DetectSchema([]byte(`{"nodes": [], "edges": []}`), "g.json")
	if err != nil {
		t.Fatalf("DetectSchema() error = %v", err)
	}
	if format != FormatJSON {
		t.Errorf("format = %q, want json", format)
	}

	format, err = DetectSchema([]byte("nodes: []\n"), "g.yaml")
	if err != nil {
		t.Fatalf("DetectSchema() error = %v", err)
	}
	if format != FormatYAML {
		t.Errorf("format = %q, want yaml", format)
	}
}

func TestDetectSchema_NotAGraph(t *testing.T) {
	_, err := DetectSchema([]byte(`{"edges": []}`), "g.json")
	if !errors.Is(err, ErrNotAGraph) {
		t.Errorf("err = %v, want ErrNotAGraph", err)
	}
}

func TestDetectSchema_ParseErrors(t *testing.T) {
	if _, err := DetectSchema([]byte(`{not json`), "g.json"); err == nil {
		t.Error("expected JSON parse error")
	}
	if _, err := DetectSchema([]byte("nodes: [\n"), "g.yaml"); err == nil {
		t.Error("expected YAML parse error")
	}
}
