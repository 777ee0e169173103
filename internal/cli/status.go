package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued record counts",
		Long: `Show how many records are pending, syncing or failed in each collection.

Example:
  offlined status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	cfg, log, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	app, err := NewApp(cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer app.Close()

	summary, err := app.Sync.Pending(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, summary)
	}
	total := 0
	for _, collection := range models.SyncCollections {
		s := summary[collection]
		total += s.Total()
		fmt.Fprintf(out, "%-16s pending=%d syncing=%d failed=%d\n", collection, s.Pending, s.Syncing, s.Failed)
	}
	fmt.Fprintf(out, "%d items pending\n", total)
	return nil
}
