package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/kmain"
	"github.com/pyre-project/pyre/kernel/mem/vmm"
	"github.com/pyre-project/pyre/sim"
	cli "github.com/urfave/cli/v2"
)

const driverModuleName = "drivers"

var bootCommand = &cli.Command{
	Name:  "boot",
	Usage: "Bring up the memory core and print a summary of its state",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "drivers",
			Usage: "tar archive of driver ELF images to load as a boot module",
		},
		&cli.Uint64Flag{
			Name:  "module-addr",
			Value: 0x20000,
			Usage: "physical address the driver archive is placed at; must be reserved memory",
		},
		&cli.Uint64Flag{
			Name:  "stack-base",
			Usage: "virtual address the boot stack is relocated to (0 keeps it identity-mapped)",
		},
		&cli.StringFlag{
			Name:  "cmdline",
			Usage: "kernel command line passed in the multiboot block",
		},
		&cli.StringSliceFlag{
			Name:  "walk",
			Usage: "virtual address whose page-table walk is printed (repeatable)",
		},
	},
	Action: boot,
}

func boot(c *cli.Context) error {
	machine, err := newMachine(c)
	if err != nil {
		return err
	}
	defer machine.Close()

	info := machine.BootInfo()
	info.CmdLine = c.String("cmdline")
	cfg := kernelConfig(machine)
	cfg.StackBase = uintptr(c.Uint64("stack-base"))

	if path := c.String("drivers"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "failed to read driver archive")
		}
		if err = machine.LoadModule(info, driverModuleName, c.Uint64("module-addr"), data); err != nil {
			return err
		}
		cfg.DriverModule = driverModuleName
	}

	k, err := kmain.Init(sim.Handoff(info), cfg)
	if err != nil {
		return err
	}

	printSummary(c, k)

	for _, s := range c.StringSlice("walk") {
		addr, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid walk address %q", s)
		}
		printWalk(c, k.Mapper, uintptr(addr))
	}
	return nil
}

func printSummary(c *cli.Context, k *kmain.Kernel) {
	w := c.App.Writer
	stats := k.Ledger.Stats()

	if k.Info.CmdLine != "" {
		fmt.Fprintf(w, "cmdline:  %s\n", k.Info.CmdLine)
	}
	fmt.Fprintf(w, "frames:   %d (free %d, locked %d, borrowed %d, reserved %d, mmio %d, absent %d)\n",
		k.Ledger.Len(), stats.Free, stats.Locked, stats.Borrowed, stats.Reserved, stats.MMIO, stats.Absent)
	fmt.Fprintf(w, "root:     frame %d\n", k.Mapper.RootFrame())
	fmt.Fprintf(w, "heap map: %d block pages\n", k.Heap.Len())

	for _, drv := range k.Drivers {
		fmt.Fprintf(w, "driver:   %s (root frame %d, entry 0x%x, %d segments)\n",
			drv.Name, drv.Mapper.RootFrame(), drv.Image.Entry, len(drv.Image.Segments))
	}
}

func printWalk(c *cli.Context, m *vmm.Mapper, addr uintptr) {
	w := c.App.Writer

	fmt.Fprintf(w, "walk 0x%x:\n", addr)
	for _, step := range m.Walk(vmm.PageFromAddress(addr)) {
		fmt.Fprintf(w, "  depth %d index %3d present %-5t frame %d flags 0x%x\n",
			step.Depth, step.Index, step.Entry.Present(), step.Entry.Frame(), uint64(step.Entry.Flags()))
	}

	if physAddr, err := m.Translate(addr); err == nil {
		fmt.Fprintf(w, "  -> 0x%x\n", physAddr)
	} else {
		fmt.Fprintf(w, "  -> %v\n", err)
	}
}
