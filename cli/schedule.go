package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalscript/schedule"
	"github.com/petal-labs/petalscript/server"
)

// NewScheduleCmd creates the "schedule" command group.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron schedules of stored graphs",
		Long:  "Schedules run a stored graph on a 5-field UTC cron expression while \"petalscript serve\" is running.",
	}
	addSQLitePathFlagPersistent(cmd)

	addCmd := &cobra.Command{
		Use:   "add <graph-id> <cron>",
		Short: "Schedule a stored graph",
		Args:  cobra.ExactArgs(2),
		RunE:  runScheduleAdd,
	}
	addCmd.Flags().StringArray("var", nil, "Variable override for scheduled runs (repeatable)")
	addCmd.Flags().Int("max-steps", 0, "Exec step ceiling for scheduled runs")
	addCmd.Flags().Bool("disabled", false, "Create the schedule disabled")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE:  runScheduleList,
	}
	listCmd.Flags().String("graph", "", "Only schedules of this graph")

	nextCmd := &cobra.Command{
		Use:   "next <cron>",
		Short: "Preview the next run times of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleNext,
	}
	nextCmd.Flags().Int("count", 5, "Number of run times to print")
	nextCmd.Flags().String("from", "", "Start time in RFC3339 (default: now)")

	cmd.AddCommand(
		addCmd,
		listCmd,
		nextCmd,
		&cobra.Command{
			Use:   "enable <id>",
			Short: "Enable a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setScheduleEnabled(cmd, args[0], true)
			},
		},
		&cobra.Command{
			Use:   "disable <id>",
			Short: "Disable a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setScheduleEnabled(cmd, args[0], false)
			},
		},
		&cobra.Command{
			Use:   "rm <id>",
			Short: "Delete a schedule",
			Args:  cobra.ExactArgs(1),
			RunE:  runScheduleRemove,
		},
	)
	return cmd
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	graphID, cronExpr := args[0], strings.TrimSpace(args[1])
	varValues, _ := cmd.Flags().GetStringArray("var")
	vars, err := parseVarFlags(varValues)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	disabled, _ := cmd.Flags().GetBool("disabled")

	now := time.Now().UTC()
	sched := schedule.Schedule{
		ID:        uuid.NewString(),
		GraphID:   graphID,
		Cron:      cronExpr,
		Enabled:   !disabled,
		MaxSteps:  maxSteps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(vars) > 0 {
		sched.Variables = vars
	}
	if err := schedule.Validate(sched); err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	if sched.Enabled {
		if sched.NextRunAt, err = schedule.NextRun(cronExpr, now); err != nil {
			return exitError(exitInputParse, "%v", err)
		}
	}

	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Schedules().Create(cmd.Context(), sched); err != nil {
		if errors.Is(err, server.ErrGraphNotFound) {
			return exitError(exitFileNotFound, "graph %q not found", graphID)
		}
		return exitError(exitStore, "creating schedule: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created schedule %s\n", sched.ID)
	if sched.Enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "Next run: %s\n", sched.NextRunAt.Format(time.RFC3339))
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, _ []string) error {
	graphID, _ := cmd.Flags().GetString("graph")

	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	schedules, err := store.Schedules().List(cmd.Context(), graphID)
	if err != nil {
		return exitError(exitStore, "listing schedules: %v", err)
	}
	if len(schedules) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No schedules.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGRAPH\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, s := range schedules {
		next := "-"
		if s.Enabled && !s.NextRunAt.IsZero() {
			next = s.NextRunAt.Format(time.RFC3339)
		}
		last := s.LastStatus
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", s.ID, s.GraphID, s.Cron, s.Enabled, next, last)
	}
	return tw.Flush()
}

func runScheduleNext(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		return exitError(exitInputParse, "--count must be positive")
	}
	from := time.Now().UTC()
	if raw, _ := cmd.Flags().GetString("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return exitError(exitInputParse, "invalid --from: %v", err)
		}
		from = t.UTC()
	}

	next := from
	for range count {
		t, err := schedule.NextRun(args[0], next)
		if err != nil {
			return exitError(exitInputParse, "%v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
		next = t
	}
	return nil
}

func setScheduleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	schedules := store.Schedules()
	sched, ok, err := schedules.Get(cmd.Context(), id)
	if err != nil {
		return exitError(exitStore, "loading schedule: %v", err)
	}
	if !ok {
		return exitError(exitFileNotFound, "schedule %q not found", id)
	}

	now := time.Now().UTC()
	if enabled && !sched.Enabled {
		if sched.NextRunAt, err = schedule.NextRun(sched.Cron, now); err != nil {
			return exitError(exitInputParse, "%v", err)
		}
	}
	sched.Enabled = enabled
	sched.UpdatedAt = now
	if err := schedules.Update(cmd.Context(), sched); err != nil {
		return exitError(exitStore, "updating schedule: %v", err)
	}

	state := "Disabled"
	if enabled {
		state = "Enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s\n", state, id)
	return nil
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	store, err := openGraphStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Schedules().Delete(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, schedule.ErrScheduleNotFound) {
			return exitError(exitFileNotFound, "schedule %q not found", args[0])
		}
		return exitError(exitStore, "deleting schedule: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted schedule %s\n", args[0])
	return nil
}
