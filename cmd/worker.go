package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/renderfetch/internal/app"
	"github.com/JakeFAU/renderfetch/internal/logging"
	"github.com/JakeFAU/renderfetch/internal/scheduler"
)

// newWorkerCmd is the child side of the process scheduler. It reads one task
// from stdin and writes one result to stdout; logs go to stderr. The
// configuration travels inside the task, so no config file is read.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    app.WorkerCommand,
		Short:  "Fetch a single task from stdin (used by the process scheduler)",
		Hidden: true,
		Args:   cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(false)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return scheduler.ServeTask(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(),
				app.ChildBuilder(logger.Named("worker"), nil))
		},
	}
}
