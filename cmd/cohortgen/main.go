// Command cohortgen generates reproducible synthetic patient cohorts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/cohortgen/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
