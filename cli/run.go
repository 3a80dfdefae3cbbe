package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalscript/bus"
	"github.com/petal-labs/petalscript/core"
	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/loader"
	"github.com/petal-labs/petalscript/nodes"
	"github.com/petal-labs/petalscript/registry"
	"github.com/petal-labs/petalscript/runtime"
)

// watchDebounce collapses the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a graph file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringArray("var", nil, "Override a graph variable (repeatable, e.g. --var count=3)")
	cmd.Flags().StringP("vars-file", "f", "", "Variable overrides from a JSON or YAML file")
	cmd.Flags().Int("max-steps", 0, "Exec step ceiling (default 10000)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().StringP("output", "o", "", "Write the run summary to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | text | pretty")
	cmd.Flags().Bool("dry-run", false, "Load and validate only, do not execute")
	cmd.Flags().Bool("trace", false, "Print engine events to stderr")
	cmd.Flags().Bool("record", false, "Persist run events to the SQLite event store")
	cmd.Flags().Bool("metrics", false, "Print an engine metrics summary to stderr")
	cmd.Flags().String("otlp-endpoint", "", "Export spans over OTLP/HTTP to this endpoint")
	cmd.Flags().Bool("otlp-insecure", false, "Use plain HTTP for OTLP export")
	cmd.Flags().Bool("watch", false, "Re-run the graph whenever the file changes")
	addSQLitePathFlag(cmd)

	return cmd
}

// runSettings holds the parsed flags of one run invocation.
type runSettings struct {
	vars      map[string]any
	maxSteps  int
	timeout   time.Duration
	format    string
	output    string
	dryRun    bool
	trace     bool
	record    bool
	telemetry telemetryConfig
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := readRunSettings(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return watchAndRun(ctx, cmd, args[0], settings)
	}
	return runOnce(ctx, cmd, args[0], settings)
}

func readRunSettings(cmd *cobra.Command) (runSettings, error) {
	var s runSettings
	s.format, _ = cmd.Flags().GetString("format")
	switch s.format {
	case "json", "text", "pretty":
	default:
		return s, exitError(exitInputParse, "unknown format %q (use json, text, or pretty)", s.format)
	}

	s.vars = make(map[string]any)
	if path, _ := cmd.Flags().GetString("vars-file"); path != "" {
		fileVars, err := readVarsFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return s, exitError(exitFileNotFound, "vars file not found: %s", path)
			}
			return s, exitError(exitInputParse, "reading vars file: %v", err)
		}
		maps.Copy(s.vars, fileVars)
	}
	flagValues, _ := cmd.Flags().GetStringArray("var")
	flagVars, err := parseVarFlags(flagValues)
	if err != nil {
		return s, exitError(exitInputParse, "%v", err)
	}
	maps.Copy(s.vars, flagVars)

	s.maxSteps, _ = cmd.Flags().GetInt("max-steps")
	if s.maxSteps < 0 {
		return s, exitError(exitInputParse, "--max-steps must not be negative")
	}
	s.timeout, _ = cmd.Flags().GetDuration("timeout")
	s.output, _ = cmd.Flags().GetString("output")
	s.dryRun, _ = cmd.Flags().GetBool("dry-run")
	s.trace, _ = cmd.Flags().GetBool("trace")
	s.record, _ = cmd.Flags().GetBool("record")

	s.telemetry.Metrics, _ = cmd.Flags().GetBool("metrics")
	s.telemetry.OTLPEndpoint, _ = cmd.Flags().GetString("otlp-endpoint")
	s.telemetry.Insecure, _ = cmd.Flags().GetBool("otlp-insecure")
	s.telemetry.ServiceName = "petalscript"
	s.telemetry.Version = cmd.Root().Version
	return s, nil
}

// runOnce loads, validates and executes the graph file once.
func runOnce(ctx context.Context, cmd *cobra.Command, filePath string, s runSettings) error {
	reg := nodes.NewRegistry(registry.WithLogger(slog.Default()))
	def, err := loadGraphForRun(cmd, filePath, reg)
	if err != nil {
		return err
	}
	if s.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation successful.")
		return nil
	}

	tel, err := setupTelemetry(ctx, s.telemetry)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	handlers := []runtime.EventHandler{tel.handler()}
	if s.trace {
		handlers = append(handlers, traceEventHandler(cmd.ErrOrStderr()))
	}
	if s.record {
		store, err := openEventStore(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		handlers = append(handlers, bus.NewStoreSubscriber(store, slog.Default()).Handle)
	}

	// Keep Print output off stdout when stdout carries the JSON summary.
	printOut := cmd.OutOrStdout()
	if s.format == "json" && s.output == "" {
		printOut = cmd.ErrOrStderr()
	}

	opts := []runtime.Option{
		runtime.WithLogger(slog.Default()),
		runtime.WithVariables(s.vars),
		runtime.WithMaxSteps(s.maxSteps),
		runtime.WithOutput(printOut),
		runtime.WithEventHandler(runtime.MultiEventHandler(handlers...)),
	}
	if d := tel.decorator(); d != nil {
		opts = append(opts, runtime.WithEmitterDecorator(d))
	}

	eng, err := runtime.NewEngine(reg, def, opts...)
	if err != nil {
		return exitError(exitValidation, "building engine: %v", err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	result, runErr := eng.Run(runCtx)
	if err := tel.writeMetrics(ctx, cmd.ErrOrStderr()); err != nil {
		slog.Warn("writing metrics", "error", err)
	}
	if runErr != nil {
		var re *runtime.RunError
		if errors.As(runErr, &re) && re.NodeID != "" {
			return exitError(exitRuntime, "execution failed at node %s: %v", re.NodeID, re.Err)
		}
		return exitError(exitRuntime, "execution failed: %v", runErr)
	}

	if err := writeRunOutput(cmd, result, s); err != nil {
		return err
	}
	if result.Cancelled {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return exitError(exitTimeout, "execution timed out after %s", s.timeout)
		}
		return exitError(exitCancelled, "execution cancelled")
	}
	return nil
}

func loadGraphForRun(cmd *cobra.Command, filePath string, reg *registry.Registry) (*graph.Definition, error) {
	def, diags, err := loader.Load(filePath, reg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		if errors.Is(err, loader.ErrNotAGraph) {
			return nil, exitError(exitWrongSchema, "%s: %v", filePath, err)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitInputParse, "%v", err)
	}
	for _, d := range graph.Warnings(diags) {
		slog.Warn(d.Message, "code", d.Code, "path", d.Path)
	}
	return def, nil
}

// watchAndRun runs the graph, then re-runs it after every change to the
// file until ctx is done. Run failures are reported and watching goes on.
func watchAndRun(ctx context.Context, cmd *cobra.Command, filePath string, s runSettings) error {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return exitError(exitFileNotFound, "resolving %s: %v", filePath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return exitError(exitRuntime, "creating file watcher: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors often replace the file on save.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return exitError(exitFileNotFound, "watching %s: %v", filepath.Dir(abs), err)
	}

	status := cmd.ErrOrStderr()
	rerun := func() {
		if err := runOnce(ctx, cmd, abs, s); err != nil {
			fmt.Fprintf(status, "run failed: %v\n", err)
		}
		fmt.Fprintf(status, "watching %s for changes\n", filePath)
	}
	rerun()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isGraphChange(event, abs) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)
		case <-debounce:
			debounce = nil
			rerun()
		}
	}
}

func isGraphChange(event fsnotify.Event, path string) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// traceEventHandler prints one line per engine event.
func traceEventHandler(w io.Writer) runtime.EventHandler {
	return func(e runtime.Event) {
		line := fmt.Sprintf("[%3d] %-14s step=%d", e.Seq, e.Kind, e.Step)
		if e.NodeID != "" {
			line += fmt.Sprintf(" node=%s(%s)", e.NodeID, e.NodeType)
		}
		if port := e.Payload["source_port"]; port != nil {
			line += fmt.Sprintf(" port=%v", port)
		}
		if msg := e.Payload["error"]; msg != nil {
			line += fmt.Sprintf(" error=%v", msg)
		}
		fmt.Fprintln(w, line)
	}
}

// runOutput is the JSON form of a finished run.
type runOutput struct {
	RunID     string                 `json:"run_id"`
	Status    string                 `json:"status"`
	Steps     int                    `json:"steps"`
	ElapsedMs int64                  `json:"elapsed_ms"`
	Results   map[string]core.Values `json:"results"`
	Variables map[string]any         `json:"variables"`
}

func newRunOutput(result *runtime.RunResult) runOutput {
	status := "completed"
	if result.Cancelled {
		status = "cancelled"
	}
	return runOutput{
		RunID:     result.RunID,
		Status:    status,
		Steps:     result.Steps,
		ElapsedMs: result.Elapsed.Milliseconds(),
		Results:   result.Results,
		Variables: result.Variables,
	}
}

// writeRunOutput formats and writes the run summary.
func writeRunOutput(cmd *cobra.Command, result *runtime.RunResult, s runSettings) error {
	var output string
	switch s.format {
	case "json":
		data, err := json.MarshalIndent(newRunOutput(result), "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		output = string(data)
	case "text":
		// Print node output already went to stdout.
		return nil
	default:
		output = formatPretty(newRunOutput(result))
	}

	if s.output != "" {
		if err := os.WriteFile(s.output, []byte(output+"\n"), 0o600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatPretty returns a human-readable summary of the run.
func formatPretty(out runOutput) string {
	var sb strings.Builder

	sb.WriteString("=== Results ===\n")
	for _, id := range sortedKeys(out.Results) {
		values := out.Results[id]
		for _, port := range sortedKeys(values) {
			fmt.Fprintf(&sb, "  %s.%s: %s\n", id, port, core.FormatValue(values[port]))
		}
	}

	if len(out.Variables) > 0 {
		sb.WriteString("\n=== Variables ===\n")
		for _, name := range sortedKeys(out.Variables) {
			fmt.Fprintf(&sb, "  %s: %s\n", name, core.FormatValue(out.Variables[name]))
		}
	}

	sb.WriteString("\n=== Run ===\n")
	fmt.Fprintf(&sb, "  Run ID: %s\n", out.RunID)
	fmt.Fprintf(&sb, "  Status: %s\n", out.Status)
	fmt.Fprintf(&sb, "  Steps: %d\n", out.Steps)
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
