// Package main provides the skein command line interface for validating and
// running workflow definitions from files.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/skein-dev/skein/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "skein",
		Usage:                 "Validate and run workflow DAGs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			ValidateCommand(),
			RunCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("cli").Error("Command failed", "error", err)
		os.Exit(1)
	}
}
