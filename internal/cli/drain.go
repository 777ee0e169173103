package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
	syncpkg "github.com/pedroluizchagas/celebra-capital-sub002/internal/sync"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Collection string
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send queued records to the remote API once",
		Long: `Run one drain pass and print what was sent.

Exits with status 1 when any record failed.

Example:
  offlined drain
  offlined drain --collection proposals --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "drain only this collection (proposals, forms, pending_actions)")

	return cmd
}

func runDrain(cmd *cobra.Command, opts *DrainOptions) error {
	cfg, log, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Collection != "" {
		if _, ok := models.KindForCollection(opts.Collection); !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown collection %q", opts.Collection))
		}
	}

	app, err := NewApp(cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer app.Close()

	ctx := cmd.Context()
	var results []*syncpkg.DrainResult
	if opts.Collection != "" {
		var result *syncpkg.DrainResult
		result, err = app.Sync.Drain(ctx, opts.Collection)
		if result != nil {
			results = append(results, result)
		}
	} else {
		results, err = app.Sync.DrainAll(ctx)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}

	if err := printResults(cmd, opts.Format, results); err != nil {
		return err
	}

	for _, r := range results {
		if r.Failed > 0 {
			return NewExitError(ExitFailure, "some records failed to sync")
		}
	}
	return nil
}

func printResults(cmd *cobra.Command, format string, results []*syncpkg.DrainResult) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		if results == nil {
			results = []*syncpkg.DrainResult{}
		}
		return writeJSON(out, results)
	}
	for _, r := range results {
		fmt.Fprintf(out, "%-16s attempted=%d succeeded=%d failed=%d exhausted=%d recovered=%d purged=%d\n",
			r.Collection, r.Attempted, r.Succeeded, r.Failed, r.Exhausted, r.Recovered, r.Purged)
	}
	return nil
}
