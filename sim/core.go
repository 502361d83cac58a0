package sim

import (
	"sync"
	"sync/atomic"

	"github.com/pyre-project/pyre/kernel/cpu"
)

// Core is a simulated processor implementing cpu.Arch. Interrupt masking
// nests: the core accepts interrupts only when every DisableInterrupts call
// has been matched by RestoreInterrupts.
type Core struct {
	id        int
	levels    uint8
	noExecute bool

	root       atomic.Uintptr
	irqMasks   atomic.Int32
	halted     atomic.Bool
	rootLoads  atomic.Uint64
	tlbFlushes atomic.Uint64

	mu        sync.Mutex
	recording bool
	flushed   []uintptr
}

var _ cpu.Arch = (*Core)(nil)

func newCore(id int, levels uint8, noExecute bool) *Core {
	return &Core{id: id, levels: levels, noExecute: noExecute}
}

func (c *Core) reset() {
	c.root.Store(0)
	c.irqMasks.Store(0)
	c.halted.Store(false)
	c.rootLoads.Store(0)
	c.tlbFlushes.Store(0)

	c.mu.Lock()
	c.recording = false
	c.flushed = nil
	c.mu.Unlock()
}

// ID returns the index of the core.
func (c *Core) ID() int {
	return c.id
}

// RootTable implements cpu.Arch.
func (c *Core) RootTable() uintptr {
	return c.root.Load()
}

// SetRootTable implements cpu.Arch.
func (c *Core) SetRootTable(physAddr uintptr) {
	c.root.Store(physAddr)
	c.rootLoads.Add(1)
}

// InvalidateTLBEntry implements cpu.Arch.
func (c *Core) InvalidateTLBEntry(virtAddr uintptr) {
	c.tlbFlushes.Add(1)

	c.mu.Lock()
	if c.recording {
		c.flushed = append(c.flushed, virtAddr)
	}
	c.mu.Unlock()
}

// PagingLevels implements cpu.Arch.
func (c *Core) PagingLevels() uint8 {
	return c.levels
}

// NoExecuteSupported implements cpu.Arch.
func (c *Core) NoExecuteSupported() bool {
	return c.noExecute
}

// DisableInterrupts implements cpu.Arch.
func (c *Core) DisableInterrupts() cpu.IRQState {
	return cpu.IRQState(c.irqMasks.Add(1) == 1)
}

// RestoreInterrupts implements cpu.Arch.
func (c *Core) RestoreInterrupts(cpu.IRQState) {
	c.irqMasks.Add(-1)
}

// InterruptsEnabled implements cpu.Arch.
func (c *Core) InterruptsEnabled() bool {
	return c.irqMasks.Load() == 0
}

// Halt implements cpu.Arch.
func (c *Core) Halt() {
	c.halted.Store(true)
}

// Halted reports whether Halt was called.
func (c *Core) Halted() bool {
	return c.halted.Load()
}

// RootLoads returns the number of SetRootTable calls.
func (c *Core) RootLoads() uint64 {
	return c.rootLoads.Load()
}

// TLBFlushes returns the number of invalidated TLB entries.
func (c *Core) TLBFlushes() uint64 {
	return c.tlbFlushes.Load()
}

// FlushedAddresses returns the addresses passed to InvalidateTLBEntry since
// the last ResetTLBStats call. Nothing is recorded before the first one.
func (c *Core) FlushedAddresses() []uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uintptr(nil), c.flushed...)
}

// ResetTLBStats clears the TLB invalidation counter and starts recording
// flushed addresses afresh.
func (c *Core) ResetTLBStats() {
	c.tlbFlushes.Store(0)
	c.mu.Lock()
	c.recording = true
	c.flushed = c.flushed[:0]
	c.mu.Unlock()
}
