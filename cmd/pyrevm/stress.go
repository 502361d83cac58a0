package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/kmain"
	"github.com/pyre-project/pyre/kernel/mem/malloc"
	"github.com/pyre-project/pyre/kernel/mem/vmm"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// stressMapBase is where each worker maps its private pages; worker i owns
// the 2M region at stressMapBase + i*2M.
const stressMapBase = uintptr(0x300000000000)

var stressCommand = &cli.Command{
	Name:  "stress",
	Usage: "Hammer the heap and the kernel mapper from concurrent workers",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "workers",
			Usage: "number of concurrent workers (defaults to the machine's core count)",
		},
		&cli.IntFlag{
			Name:  "iterations",
			Value: 1000,
			Usage: "operations per worker",
		},
		&cli.Uint64Flag{
			Name:  "max-size",
			Value: 8192,
			Usage: "largest heap allocation in bytes",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "random seed (defaults to the current time)",
		},
	},
	Action: stress,
}

type stressWorker struct {
	id         int
	iterations int
	maxSize    uint64
	rng        *rand.Rand
	k          *kmain.Kernel
}

func stress(c *cli.Context) error {
	machine, err := newMachine(c)
	if err != nil {
		return err
	}
	defer machine.Close()

	k, err := kmain.Init(machine.BootInfo(), kernelConfig(machine))
	if err != nil {
		return err
	}

	workers := c.Int("workers")
	if workers <= 0 {
		workers = machine.Cores()
	}
	seed := c.Int64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	maxSize := c.Uint64("max-size")
	if maxSize == 0 {
		maxSize = 1
	}

	// Warm up so that the heap map and the page tables of the first heap
	// pages exist before the baseline is taken.
	k.Heap.Dealloc(k.Heap.Alloc(1, 0), 1)
	before := k.Ledger.Stats()

	start := time.Now()
	g, ctx := errgroup.WithContext(c.Context)
	for i := 0; i < workers; i++ {
		w := &stressWorker{
			id:         i,
			iterations: c.Int("iterations"),
			maxSize:    maxSize,
			rng:        rand.New(rand.NewSource(seed + int64(i))),
			k:          k,
		}
		g.Go(func() error {
			return w.run(ctx)
		})
	}

	if err = g.Wait(); err != nil {
		return err
	}

	after := k.Ledger.Stats()
	fmt.Fprintf(c.App.Writer, "%d workers, %d operations each, seed %d: %s\n", workers, c.Int("iterations"), seed, time.Since(start))
	fmt.Fprintf(c.App.Writer, "free frames: %d before, %d after\n", before.Free, after.Free)

	if after.Borrowed != before.Borrowed || after.Reserved != before.Reserved {
		return errors.Errorf("ledger mismatch after stress run: %+v, expected %+v", after, before)
	}
	for i := 0; i < k.Heap.Len(); i++ {
		if inUse, _ := k.Heap.PageState(i); inUse {
			return errors.Errorf("heap page %d still in use after stress run", i)
		}
	}
	return nil
}

func (w *stressWorker) run(ctx context.Context) error {
	var (
		heap   = w.k.Heap
		mapper = w.k.Mapper
		region = vmm.PageFromAddress(stressMapBase + uintptr(w.id)<<21)
	)

	for i := 0; i < w.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Heap round trip with a tagged first word
		size := uintptr(w.rng.Int63n(int64(w.maxSize))) + 1
		ptr := heap.Alloc(size, malloc.BlockSize<<uint(w.rng.Intn(3)))
		if err := w.tag(heap, ptr, uint64(w.id)<<32|uint64(i)); err != nil {
			return err
		}
		heap.Dealloc(ptr, size)

		// Mapper round trip within the worker's private region
		page := region + vmm.Page(w.rng.Intn(512))
		frame, err := mapper.AutoMap(page, vmm.FlagsRW)
		if err != nil {
			return errors.Wrapf(err, "worker %d: failed to map 0x%x", w.id, page.Address())
		}
		if !mapper.IsMappedTo(page, frame) {
			return errors.Errorf("worker %d: page 0x%x lost its mapping", w.id, page.Address())
		}
		if err := mapper.Unmap(page, vmm.OwnershipLocked); err != nil {
			return errors.Wrapf(err, "worker %d: failed to unmap 0x%x", w.id, page.Address())
		}
	}

	return nil
}

// tag writes v to the first word at ptr and reads it back.
func (w *stressWorker) tag(heap *malloc.BlockAllocator, ptr uintptr, v uint64) error {
	addr, err := heap.DirectMapAddress(ptr)
	if err != nil {
		return errors.Wrapf(err, "worker %d: heap pointer 0x%x is not mapped", w.id, ptr)
	}

	word := (*uint64)(unsafe.Pointer(addr))
	*word = v
	if got := *word; got != v {
		return errors.Errorf("worker %d: heap word at 0x%x is 0x%x; expected 0x%x", w.id, ptr, got, v)
	}
	return nil
}
