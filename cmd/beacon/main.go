package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/beacon/internal/cli"
)

func main() {
	if err := run(); err != nil {
		// ExitErrors were already reported in the requested format.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}

func run() error {
	return cli.NewRootCommand().Execute()
}
