// Command offlined runs the Celebra offline core.
package main

import (
	"fmt"
	"os"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
