// Package cmd implements the crate-events diagnostic CLI: a thin tool
// for tailing the Crate event stream and inspecting stream positions,
// exercising the SDK the way an integration would.
package cmd

import (
	"bufio"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/cratehq/crate-go/internal/version"
)

func versionString() string { return version.Version }

// Main runs the CLI with the given arguments and returns the exit code.
func Main(args []string) int {
	cliName := args[0]

	log := hclog.New(&hclog.LoggerOptions{
		Name:  cliName,
		Level: hclog.LevelFromString(os.Getenv("CRATE_LOG_LEVEL")),
	})

	if len(args) == 2 &&
		(args[1] == "-version" ||
			args[1] == "-v") {
		args = []string{cliName, "version"}
	}

	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := &cli.CLI{
		Name:    cliName,
		Args:    args[1:],
		Version: version.Version,
		Commands: map[string]cli.CommandFactory{
			"tail": func() (cli.Command, error) {
				return &TailCommand{UI: ui, Log: log}, nil
			},
			"position": func() (cli.Command, error) {
				return &PositionCommand{UI: ui, Log: log}, nil
			},
			"version": func() (cli.Command, error) {
				return &VersionCommand{UI: ui}, nil
			},
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	return exitCode
}
