// Package cpu defines the narrow hardware abstraction the memory core runs on.
// Everything that would be a privileged instruction on real hardware (loading
// the page-table root, INVLPG, CLI/STI, HLT) goes through the Arch interface,
// so the same kernel code can drive a physical core or a simulated one.
package cpu

// IRQState records whether interrupts were enabled before a call to
// Arch.DisableInterrupts so that the previous state can be restored.
type IRQState bool

// Arch is implemented by each supported core type.
type Arch interface {
	// RootTable returns the physical address of the active top-level page
	// table.
	RootTable() uintptr

	// SetRootTable loads the top-level page table at physAddr and flushes
	// the non-global TLB entries of the calling core.
	SetRootTable(physAddr uintptr)

	// InvalidateTLBEntry flushes the calling core's TLB entry for virtAddr.
	InvalidateTLBEntry(virtAddr uintptr)

	// PagingLevels returns the number of page-table levels in use (4 or 5).
	PagingLevels() uint8

	// NoExecuteSupported reports whether page table entries may carry the
	// no-execute bit.
	NoExecuteSupported() bool

	// DisableInterrupts masks interrupts on the calling core and returns
	// the state that RestoreInterrupts needs to undo it.
	DisableInterrupts() IRQState

	// RestoreInterrupts restores the interrupt state captured by
	// DisableInterrupts.
	RestoreInterrupts(IRQState)

	// InterruptsEnabled reports whether the calling core accepts interrupts.
	InterruptsEnabled() bool

	// Halt stops instruction execution on the calling core.
	Halt()
}

// WithoutInterrupts runs fn with interrupts disabled on the calling core and
// restores the previous interrupt state once fn returns (or panics).
func WithoutInterrupts(arch Arch, fn func()) {
	state := arch.DisableInterrupts()
	defer arch.RestoreInterrupts(state)
	fn()
}
