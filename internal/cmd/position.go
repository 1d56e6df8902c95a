package cmd

import (
	"context"
	"flag"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/cratehq/crate-go/pkg/events"
)

// PositionCommand prints the server's current stream position.
type PositionCommand struct {
	UI  cli.Ui
	Log hclog.Logger
}

func (c *PositionCommand) Synopsis() string {
	return "Print the current event stream position"
}

func (c *PositionCommand) Help() string {
	return `Usage: crate-events position [options]

  Resolves and prints the server's latest stream position marker.

Options:

  -config=<path>  Config file (default: crate-events.yml)
`
}

func (c *PositionCommand) Run(args []string) int {
	flags := flag.NewFlagSet("position", flag.ContinueOnError)
	configPath := flags.String("config", "crate-events.yml", "config file path")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	executor, err := newExecutor(cfg, c.Log)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	stream, err := events.NewStream(events.StreamConfig{
		Executor: executor,
		Logger:   c.Log,
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	position, err := stream.CurrentPosition(context.Background())
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	c.UI.Output(position)
	return 0
}
