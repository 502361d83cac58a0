package vmm

import "github.com/pyre-project/pyre/kernel/mem"

const (
	// pageLevelBits is the number of virtual address bits that select an
	// entry at each page level (512 entries per table).
	pageLevelBits = 9

	// entriesPerTable is the fan-out of every page table.
	entriesPerTable = 1 << pageLevelBits

	// MinDepth is the depth of leaf page table entries.
	MinDepth PageDepth = 0
)

// PageDepth identifies a level of the page-table hierarchy. Depth 0 is the
// leaf level (entries that map 4K pages); depth d > 0 holds entries whose
// tables cover PageDepth(d-1). The root table of an address space with N
// paging levels is reached from the pseudo-entry at depth N.
type PageDepth uint8

// shift returns the number of low address bits below the index of this depth.
func (d PageDepth) shift() uint {
	return mem.PageShift + pageLevelBits*uint(d)
}

// Index returns the table index that virtAddr selects at this depth.
func (d PageDepth) Index(virtAddr uintptr) uintptr {
	return (virtAddr >> d.shift()) & (entriesPerTable - 1)
}

// Align returns the number of bytes covered by one entry at this depth.
func (d PageDepth) Align() uintptr {
	return 1 << d.shift()
}

// IndexAddress returns the address covered by entry index at this depth,
// with all lower bits cleared.
func (d PageDepth) IndexAddress(index uintptr) uintptr {
	return (index & (entriesPerTable - 1)) << d.shift()
}
