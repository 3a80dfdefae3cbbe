package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
)

// NewNodesCmd creates the "nodes" subcommand listing the node palette.
func NewNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the registered node types by category",
		Args:  cobra.NoArgs,
		RunE:  runNodes,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("all", false, "Include hidden types")

	return cmd
}

func runNodes(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	all, _ := cmd.Flags().GetBool("all")

	reg := nodes.NewRegistry(registry.WithLogger(slog.Default()))
	cats := reg.ByCategory()
	if all {
		cats = allCategories(reg)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(cats); err != nil {
			return exitError(exitRuntime, "encoding node types: %v", err)
		}
		return nil
	case "text":
		printCategories(cmd.OutOrStdout(), cats)
		return nil
	default:
		return exitError(exitInputParse, "unknown format %q (use text or json)", format)
	}
}

// allCategories groups every type, hidden ones included.
func allCategories(reg *registry.Registry) []registry.Category {
	groups := make(map[string][]core.TypeDef)
	for _, def := range reg.All() {
		name := registry.CategoryOf(def)
		groups[name] = append(groups[name], def)
	}
	out := make([]registry.Category, 0, len(groups))
	for _, name := range sortedKeys(groups) {
		defs := groups[name]
		sort.SliceStable(defs, func(i, j int) bool { return defs[i].DisplayTitle() < defs[j].DisplayTitle() })
		out = append(out, registry.Category{Name: name, Types: defs})
	}
	return out
}

func printCategories(w io.Writer, cats []registry.Category) {
	for i, cat := range cats {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n", cat.Name)
		for _, def := range cat.Types {
			role := "exec"
			if def.Pure() {
				role = "pure"
			}
			fmt.Fprintf(w, "  %-16s %-4s %s\n", def.Name, role, portSummary(def))
		}
	}
}

func portSummary(def core.TypeDef) string {
	var parts []string
	if len(def.ExecInputs) > 0 || len(def.ExecOutputs) > 0 {
		parts = append(parts, fmt.Sprintf("exec[%s -> %s]",
			strings.Join(def.ExecInputs, ","), strings.Join(def.ExecOutputs, ",")))
	}
	if len(def.Inputs) > 0 || len(def.Outputs) > 0 {
		parts = append(parts, fmt.Sprintf("data(%s -> %s)", portList(def.Inputs), portList(def.Outputs)))
	}
	return strings.Join(parts, " ")
}

func portList(ports []core.PortDef) string {
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = fmt.Sprintf("%s:%s", p.Name, p.Kind)
	}
	return strings.Join(names, ",")
}
