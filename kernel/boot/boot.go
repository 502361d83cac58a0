// Package boot describes what the kernel learns from its boot collaborator:
// the physical memory map, the direct-map window, the boot stack and any
// modules (driver images) loaded alongside the kernel.
package boot

// MemoryType defines the type of a MemoryMapEntry.
type MemoryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemMMIO indicates a device register window. Boot loaders that cannot
	// describe such regions report them as MemReserved.
	MemMMIO MemoryType = 0x100
)

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "acpi-reclaimable"
	case MemNvs:
		return "nvs"
	case MemMMIO:
		return "mmio"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryType
}

// Module describes an image loaded by the boot loader next to the kernel.
type Module struct {
	Name        string
	PhysAddress uint64
	Length      uint64
}

// Stack describes the virtual range of the stack the kernel was entered on.
type Stack struct {
	Base  uintptr
	Pages uint64
}

// Info aggregates everything the memory core needs from the boot collaborator.
type Info struct {
	MemoryMap []MemoryMapEntry

	// DirectMapBase is the virtual address at which all of physical memory
	// is mapped linearly (physical address p is visible at DirectMapBase+p).
	DirectMapBase uintptr

	Stack   Stack
	Modules []Module
	CmdLine string
}
