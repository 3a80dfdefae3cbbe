package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the petalscript command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalscript",
		Short: "PetalScript node graph engine CLI",
		Long:  "PetalScript runs visual node-script graphs: pure data nodes evaluated on demand, driven by exec nodes fired in order.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			configureLogging(cmd)
			return nil
		},
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalscript version %s\n", version))

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewNodesCmd())
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewGraphCmd())
	root.AddCommand(NewScheduleCmd())
	root.AddCommand(NewEventsCmd())
	return root
}

// configureLogging installs the default slog handler on stderr. --verbose
// enables debug records and --quiet keeps only errors.
func configureLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")

	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	w := cmd.ErrOrStderr()
	if w == nil {
		w = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
