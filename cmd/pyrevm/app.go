package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/kmain"
	"github.com/pyre-project/pyre/sim"
	cli "github.com/urfave/cli/v2"
)

const (
	configFlagName   = "config"
	logLevelFlagName = "log-level"
)

var appCommands = []*cli.Command{
	bootCommand,
	stressCommand,
}

func app() *cli.App {
	return &cli.App{
		Name:           "pyrevm",
		Usage:          "Run the pyre memory core on a simulated machine",
		Commands:       appCommands,
		ExitErrHandler: errHandler,
		Before:         beforeApp,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlagName,
				Aliases: []string{"c"},
				Usage:   "TOML machine description; a 16M single-core machine is used if unset",
			},
			&cli.StringFlag{
				Name:  logLevelFlagName,
				Value: "info",
				Usage: "kernel log level (trace, debug, info, warn, error)",
			},
		},
	}
}

func beforeApp(c *cli.Context) error {
	level, err := kfmt.ParseLevel(c.String(logLevelFlagName))
	if err != nil {
		return errors.Wrap(err, "logging setup")
	}
	kfmt.SetLevel(level)
	kfmt.SetOutput(c.App.ErrWriter)
	return nil
}

func errHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	n := c.App.Name
	if c.Command != nil {
		if nn := c.Command.FullName(); nn != "" {
			n += " " + nn
		}
	}
	cli.HandleExitCoder(cli.Exit(fmt.Errorf("%s: %w", n, err), 1))
}

// newMachine creates the machine described by the --config flag.
func newMachine(c *cli.Context) (*sim.Machine, error) {
	cfg := sim.DefaultConfig()
	if path := c.String(configFlagName); path != "" {
		var err error
		if cfg, err = sim.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	return sim.NewMachine(cfg)
}

// kernelConfig returns the bring-up settings for machine. The heap window
// comes from the machine description.
func kernelConfig(machine *sim.Machine) kmain.Config {
	heap := machine.Config().Heap

	return kmain.Config{
		Arch:        machine.Core(0),
		HeapBase:    uintptr(heap.Base),
		MapBase:     uintptr(heap.MapBase),
		MaxMapPages: heap.MaxMapPages,
	}
}
