// Package cli implements the offlined command line: the long-running
// proxy and one-shot queue commands.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offlined",
		Short: "Celebra offline core",
		Long: `offlined keeps the Celebra Capital application usable without a network.

It proxies application requests through a versioned response cache, queues
proposals, forms and API actions while offline, and delivers them to the
remote API once connectivity returns.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file (default $"+config.EnvConfigPath+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// load reads the configuration and builds the logger for a command.
func (o *RootOptions) load(stderr io.Writer) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := logging.ParseLevel(cfg.LogLevel)
	if o.Verbose {
		level = logging.LevelDebug
	}
	return cfg, logging.New(stderr, level), nil
}
