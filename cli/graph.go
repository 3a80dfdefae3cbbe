package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalscript/loader"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
	"github.com/petal-labs/petalscript/server"
)

// NewGraphCmd creates the "graph" command group managing stored graphs.
func NewGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage graphs stored in the SQLite database",
	}
	addSQLitePathFlagPersistent(cmd)

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a graph file and store it",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraphImport,
	}
	importCmd.Flags().String("id", "", "Graph id (default: the document id, else a generated one)")
	importCmd.Flags().Bool("replace", false, "Replace an existing graph with the same id")

	exportCmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Print a stored graph document",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraphExport,
	}
	exportCmd.Flags().String("format", "json", "Output format: json | yaml")

	cmd.AddCommand(
		importCmd,
		exportCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List stored graphs",
			Args:  cobra.NoArgs,
			RunE:  runGraphList,
		},
		&cobra.Command{
			Use:   "rm <id>",
			Short: "Delete a stored graph and its schedules",
			Args:  cobra.ExactArgs(1),
			RunE:  runGraphRemove,
		},
	)
	return cmd
}

func runGraphImport(cmd *cobra.Command, args []string) error {
	reg := nodes.NewRegistry(registry.WithLogger(slog.Default()))
	def, err := loadGraphForRun(cmd, args[0], reg)
	if err != nil {
		return err
	}
	if id, _ := cmd.Flags().GetString("id"); strings.TrimSpace(id) != "" {
		def.ID = strings.TrimSpace(id)
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	replace, _ := cmd.Flags().GetBool("replace")

	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	name := def.Metadata["name"]
	if name == "" {
		name = def.ID
	}
	rec := server.GraphRecord{ID: def.ID, Name: name, Graph: def, CreatedAt: now, UpdatedAt: now}

	err = store.Create(cmd.Context(), rec)
	if errors.Is(err, server.ErrGraphExists) && replace {
		existing, _, getErr := store.Get(cmd.Context(), def.ID)
		if getErr != nil {
			return exitError(exitStore, "loading graph %s: %v", def.ID, getErr)
		}
		rec.CreatedAt = existing.CreatedAt
		err = store.Update(cmd.Context(), rec)
	}
	if err != nil {
		if errors.Is(err, server.ErrGraphExists) {
			return exitError(exitStore, "graph %q already exists (use --replace)", def.ID)
		}
		return exitError(exitStore, "storing graph: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored graph %s\n", def.ID)
	return nil
}

func runGraphExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != string(loader.FormatJSON) && format != string(loader.FormatYAML) {
		return exitError(exitInputParse, "unknown format %q (use json or yaml)", format)
	}

	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rec, ok, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return exitError(exitStore, "loading graph: %v", err)
	}
	if !ok {
		return exitError(exitFileNotFound, "graph %q not found", args[0])
	}
	data, err := loader.Marshal(rec.Graph, loader.Format(format))
	if err != nil {
		return exitError(exitRuntime, "encoding graph: %v", err)
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}

func runGraphList(cmd *cobra.Command, _ []string) error {
	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(cmd.Context())
	if err != nil {
		return exitError(exitStore, "listing graphs: %v", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No graphs stored.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tNODES\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", rec.ID, rec.Name, len(rec.Graph.Nodes), rec.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runGraphRemove(cmd *cobra.Command, args []string) error {
	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, server.ErrGraphNotFound) {
			return exitError(exitFileNotFound, "graph %q not found", args[0])
		}
		return exitError(exitStore, "deleting graph: %v", err)
	}
	if err := store.Schedules().DeleteByGraph(cmd.Context(), args[0]); err != nil {
		slog.Warn("deleting graph schedules", "graph_id", args[0], "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted graph %s\n", args[0])
	return nil
}

