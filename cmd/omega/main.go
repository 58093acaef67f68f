// Package main is the entry point for the omega binary.
//
// Without arguments omega starts the dashboard: it launches the configured
// tunnel providers, serves the HTTP API on server.listen and opens the agent
// prompt. Subcommands (serve, tunnel, agent, models, doctor, config) run one
// operation and exit.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/omega/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
