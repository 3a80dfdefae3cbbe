package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalscript/runtime"
)

// NewEventsCmd creates the "events" command group reading run history
// from the SQLite event store.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect recorded run events",
	}
	addSQLitePathFlagPersistent(cmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, most recent first",
		Args:  cobra.NoArgs,
		RunE:  runEventsRuns,
	}
	runsCmd.Flags().Int("limit", 20, "Maximum number of runs (0 lists all)")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the events of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runEventsShow,
	}
	showCmd.Flags().Uint64("after-seq", 0, "Only events after this sequence number")
	showCmd.Flags().String("kinds", "", "Comma-separated event kinds to include")
	showCmd.Flags().String("format", "text", "Output format: text | jsonl")

	cmd.AddCommand(runsCmd, showCmd)
	return cmd
}

func runEventsRuns(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openEventStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.Runs(cmd.Context())
	if err != nil {
		return exitError(exitStore, "listing runs: %v", err)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded runs.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tEVENTS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.Status, r.Events,
			r.FirstSeen.UTC().Format(time.RFC3339),
			r.LastSeen.Sub(r.FirstSeen).Round(time.Millisecond))
	}
	return tw.Flush()
}

func runEventsShow(cmd *cobra.Command, args []string) error {
	runID := args[0]
	afterSeq, _ := cmd.Flags().GetUint64("after-seq")
	kindsFlag, _ := cmd.Flags().GetString("kinds")
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "jsonl" {
		return exitError(exitInputParse, "unknown format %q (use text or jsonl)", format)
	}

	var kinds []runtime.EventKind
	for _, k := range strings.Split(kindsFlag, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, runtime.EventKind(k))
		}
	}

	store, err := openEventStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	events, err := store.List(cmd.Context(), runID, afterSeq, 0)
	if err != nil {
		return exitError(exitStore, "listing events: %v", err)
	}
	if len(events) == 0 && afterSeq == 0 {
		return exitError(exitFileNotFound, "run %q has no recorded events", runID)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	printLine := traceEventHandler(out)
	for _, e := range events {
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			continue
		}
		if format == "jsonl" {
			if err := enc.Encode(e); err != nil {
				return exitError(exitRuntime, "encoding event: %v", err)
			}
			continue
		}
		printLine(e)
	}
	return nil
}
