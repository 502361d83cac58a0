package vmm

import (
	"testing"
	"unsafe"

	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
)

func TestPtePtrFn(t *testing.T) {
	// Dummy test to keep coverage happy
	if exp, got := unsafe.Pointer(uintptr(123)), ptePtrFn(uintptr(123)); exp != got {
		t.Fatalf("expected ptePtrFn to return %v; got %v", exp, got)
	}
}

func TestWalkerEntryOffsets(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
	}(ptePtrFn)

	// This address breaks down to:
	// p5 index: 5
	// p4 index: 1
	// p3 index: 2
	// p2 index: 3
	// p1 index: 4
	// offset  : 1024
	targetAddr := uintptr(5)<<48 | uintptr(0x8080604400)

	specs := []struct {
		levels     PageDepth
		expOffsets []uintptr
	}{
		{4, []uintptr{1, 2, 3, 4}},
		{5, []uintptr{5, 1, 2, 3, 4}},
	}

	for specIndex, spec := range specs {
		var (
			// every intermediate entry points to frame 7
			fakeEntry PageTableEntry
			offsets   []uintptr
			tables    []uintptr
		)
		fakeEntry.Set(pmm.Frame(7), tableFlags)

		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
			tables = append(tables, entryAddr&^uintptr(mem.PageSize-1))
			offsets = append(offsets, (entryAddr&uintptr(mem.PageSize-1))>>mem.PointerShift)
			return unsafe.Pointer(&fakeEntry)
		}

		w := walker{window: 0x10000000, root: pmm.Frame(3), levels: spec.levels}
		if _, err := w.read(PageFromAddress(targetAddr), MinDepth); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if len(offsets) != len(spec.expOffsets) {
			t.Fatalf("[spec %d] expected ptePtrFn to be called %d times; got %d", specIndex, len(spec.expOffsets), len(offsets))
		}

		for i, exp := range spec.expOffsets {
			if offsets[i] != exp {
				t.Errorf("[spec %d] expected entry index at step %d to be %d; got %d", specIndex, i, exp, offsets[i])
			}

			// The root table comes first; every other table is
			// reached through frame 7.
			expTable := uintptr(0x10000000 + 7<<mem.PageShift)
			if i == 0 {
				expTable = 0x10000000 + 3<<mem.PageShift
			}
			if tables[i] != expTable {
				t.Errorf("[spec %d] expected table at step %d to be 0x%x; got 0x%x", specIndex, i, expTable, tables[i])
			}
		}
	}
}

func TestWalkerStopDepth(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
	}(ptePtrFn)

	var fakeEntry PageTableEntry
	fakeEntry.Set(pmm.Frame(1), tableFlags)

	calls := 0
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		calls++
		return unsafe.Pointer(&fakeEntry)
	}

	w := walker{levels: 4}
	for stop := PageDepth(0); stop < 4; stop++ {
		calls = 0
		if _, err := w.read(Page(0), stop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exp := int(4 - stop); calls != exp {
			t.Errorf("expected walk to depth %d to visit %d entries; got %d", stop, exp, calls)
		}
	}

	if _, err := w.read(Page(0), 4); err != ErrInvalidDepth {
		t.Fatalf("expected ErrInvalidDepth; got %v", err)
	}

	// A huge entry above the stop depth aborts the walk
	fakeEntry.SetFlags(FlagHugePage)
	if _, err := w.read(Page(0), MinDepth); err != ErrHugePage {
		t.Fatalf("expected ErrHugePage; got %v", err)
	}

	// An absent entry above the stop depth aborts the walk
	fakeEntry.Clear()
	if _, err := w.read(Page(0), MinDepth); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped; got %v", err)
	}

	// but is returned when it is the requested entry
	if pte, err := w.read(Page(0), 3); err != nil || pte != &fakeEntry {
		t.Fatalf("expected the root entry to be returned; got %v, %v", pte, err)
	}
}
