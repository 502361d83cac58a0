package vmm

import (
	"unsafe"

	"github.com/pyre-project/pyre/kernel"
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the visit method. The
// function receives the depth of the current entry and the entry itself. If
// the function returns false, then the page walk is aborted.
type pageTableWalker func(depth PageDepth, pte *PageTableEntry) bool

// walker descends the page-table hierarchy of a single address space. Table
// frames are reached through the direct-map window: the table stored in frame
// f is visible at window + f.Address(). The walker never invalidates TLB
// entries and never decides frame ownership.
type walker struct {
	window uintptr
	root   pmm.Frame

	// levels is the number of page levels; the root table holds entries of
	// depth levels-1.
	levels PageDepth

	ledger *pmm.Ledger
}

// entry returns a pointer to the entry at index in the table stored in frame
// table.
func (w *walker) entry(table pmm.Frame, index uintptr) *PageTableEntry {
	return (*PageTableEntry)(ptePtrFn(w.window + table.Address() + index<<mem.PointerShift))
}

// tableAddr returns the direct-map address of the table stored in frame.
func (w *walker) tableAddr(frame pmm.Frame) uintptr {
	return w.window + frame.Address()
}

// read returns the entry at depth stop that translates page. It fails with
// ErrNotMapped if an intermediate entry is absent and with ErrHugePage if an
// entry above stop maps a huge page.
func (w *walker) read(page Page, stop PageDepth) (*PageTableEntry, *kernel.Error) {
	return w.descend(page, stop, false)
}

// readOrCreate works like read but installs a zeroed table for every absent
// intermediate entry. It only fails if the ledger cannot supply a frame.
func (w *walker) readOrCreate(page Page, stop PageDepth) (*PageTableEntry, *kernel.Error) {
	return w.descend(page, stop, true)
}

func (w *walker) descend(page Page, stop PageDepth, create bool) (*PageTableEntry, *kernel.Error) {
	if stop >= w.levels {
		return nil, ErrInvalidDepth
	}

	var (
		virtAddr = page.Address()
		table    = w.root
	)

	for depth := w.levels - 1; ; depth-- {
		pte := w.entry(table, depth.Index(virtAddr))
		if depth == stop {
			return pte, nil
		}

		if !pte.Present() {
			if !create {
				return nil, ErrNotMapped
			}

			// Next table does not yet exist; we need to allocate a
			// physical frame for it and clear its contents.
			frame, err := w.ledger.LockNext()
			if err != nil {
				return nil, ErrAllocFailed.Wrap(err)
			}

			mem.Memset(w.tableAddr(frame), 0, mem.PageSize)
			pte.Set(frame, tableFlags)
		} else if pte.HasFlags(FlagHugePage) {
			return nil, ErrHugePage
		}

		table = pte.Frame()
	}
}

// visit calls walkFn for each entry that translates page, starting at the
// root table. The walk stops after the leaf entry, at the first entry that
// is absent or maps a huge page, or when walkFn returns false.
func (w *walker) visit(page Page, walkFn pageTableWalker) {
	var (
		virtAddr = page.Address()
		table    = w.root
	)

	for depth := w.levels - 1; ; depth-- {
		pte := w.entry(table, depth.Index(virtAddr))
		if !walkFn(depth, pte) || depth == MinDepth || !pte.Present() || pte.HasFlags(FlagHugePage) {
			return
		}

		table = pte.Frame()
	}
}
