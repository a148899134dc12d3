package main

import (
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v2"

	"github.com/Microsoft/confcom/internal/log"
)

const (
	logLevelFlag = "log-level"
	verboseFlag  = "verbose"

	// exit code for a comparison that ran and found differences
	exitMismatch = 2
)

func app() *cli.App {
	return &cli.App{
		Name:  "confcom",
		Usage: "generate and validate confidential container security policies",
		Commands: []*cli.Command{
			acipolicygenCommand,
			rootHashCommand,
		},
		ExitErrHandler: errHandler,
		Before:         beforeApp,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    logLevelFlag,
				Usage:   "logging level: trace, debug, info, warn, error",
				Value:   "warn",
				EnvVars: []string{"CONFCOM_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  verboseFlag,
				Usage: "shorthand for --log-level=debug",
			},
		},
	}
}

func beforeApp(c *cli.Context) error {
	level := c.String(logLevelFlag)
	if c.Bool(verboseFlag) {
		level = "debug"
	}
	if err := log.SetupLogging(c.App.ErrWriter, level); err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	return nil
}

func errHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	cli.HandleExitCoder(exitError(c, err))
}

// exitError turns an error from a command into the exit coder reported to
// the shell. Exit coders returned by commands keep their code, anything else
// exits with 1.
func exitError(c *cli.Context, err error) cli.ExitCoder {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec
	}
	n := c.App.Name
	if c.Command != nil {
		if nn := c.Command.FullName(); nn != "" {
			n += " " + nn
		}
	}
	return cli.Exit(fmt.Errorf("%s: %w", n, err), 1)
}
