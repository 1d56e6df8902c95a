package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/cratehq/crate-go/pkg/events"
)

// TailCommand streams merged events to stdout as JSON lines.
type TailCommand struct {
	UI  cli.Ui
	Log hclog.Logger
}

func (c *TailCommand) Synopsis() string {
	return "Tail the Crate event stream"
}

func (c *TailCommand) Help() string {
	return `Usage: crate-events tail [options]

  Tails the event stream and prints one JSON object per event. Without
  -position, streaming starts from the server's current position; pass
  the position printed on shutdown to resume where you left off.

Options:

  -config=<path>      Config file (default: crate-events.yml)
  -position=<pos>     Start from an explicit stream position
  -admin-events=<t,…> Also merge the admin log, filtered to the given
                      event types ("*" for all)
`
}

func (c *TailCommand) Run(args []string) int {
	flags := flag.NewFlagSet("tail", flag.ContinueOnError)
	configPath := flags.String("config", "crate-events.yml", "config file path")
	position := flags.String("position", "", "start position")
	adminEvents := flags.String("admin-events", "", "admin log event types to merge")
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

	var sources []events.Source
	if *adminEvents != "" {
		var types []string
		if *adminEvents != "*" {
			types = strings.Split(*adminEvents, ",")
		}
		adminSrc, err := events.NewAdminLogSource(events.AdminLogConfig{
			Executor:      executor,
			EventTypes:    types,
			StartPosition: *position,
			Logger:        c.Log,
		})
		if err != nil {
			c.UI.Error(err.Error())
			return 1
		}
		sources = append(sources, adminSrc)
	}
	userSrc, err := events.NewUserStreamSource(events.UserStreamConfig{
		Executor:      executor,
		StartPosition: *position,
		Logger:        c.Log,
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	sources = append(sources, userSrc)

	stream, err := events.NewStream(events.StreamConfig{
		Executor:     executor,
		Sources:      sources,
		PollInterval: cfg.PollInterval,
		Logger:       c.Log,
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := stream.Start(ctx); err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		stream.Stop()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case rec, ok := <-stream.Events():
			if !ok {
				c.UI.Info(fmt.Sprintf("stream stopped at position %s", stream.Position()))
				return 0
			}
			if err := enc.Encode(rec.Payload); err != nil {
				c.UI.Error(err.Error())
				stream.Stop()
				return 1
			}
		case err := <-stream.Errors():
			c.UI.Warn(err.Error())
		}
	}
}
