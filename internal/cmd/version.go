package cmd

import (
	"github.com/mitchellh/cli"

	"github.com/cratehq/crate-go/internal/version"
)

// VersionCommand prints the SDK version.
type VersionCommand struct {
	UI cli.Ui
}

func (c *VersionCommand) Synopsis() string {
	return "Print the version"
}

func (c *VersionCommand) Help() string {
	return "Usage: crate-events version"
}

func (c *VersionCommand) Run(args []string) int {
	c.UI.Output(version.Version)
	return 0
}
