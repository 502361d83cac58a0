package vmm

import (
	"testing"
	"unsafe"

	"github.com/pyre-project/pyre/kernel/mem/pmm"
)

func TestPageTableEntrySize(t *testing.T) {
	if got := unsafe.Sizeof(PageTableEntry{}); got != 8 {
		t.Fatalf("expected a page table entry to occupy 8 bytes; got %d", got)
	}
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   PageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 62)
	)

	if pte.Flags()&(flag1|flag2) != 0 {
		t.Fatalf("expected none of the flags to be set")
	}

	pte.SetFlags(flag1 | flag2)

	if pte.Flags()&(flag1|flag2) == 0 {
		t.Fatalf("expected some of the flags to be set")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if pte.Flags()&(flag1|flag2) == 0 {
		t.Fatalf("expected some of the flags to be set")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.Flags()&(flag1|flag2) != 0 {
		t.Fatalf("expected none of the flags to be set")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       PageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFlags(FlagsRW)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if got := pte.Flags(); got != FlagsRW {
		t.Fatalf("expected SetFrame to preserve flags %x; got %x", FlagsRW, got)
	}

	// Setting flags that overlap the address bits must not corrupt the frame
	pte.SetFlags(PageTableEntryFlag(0xfffff000))
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	pte.Set(pmm.Frame(7), FlagsRX)
	if pte.Frame() != 7 || pte.Flags() != FlagsRX {
		t.Fatalf("expected Set to install frame 7 with flags %x; got frame %d flags %x", FlagsRX, pte.Frame(), pte.Flags())
	}

	pte.Clear()
	if pte.Present() || pte.Frame() != 0 {
		t.Fatal("expected Clear to zero the entry")
	}
}

func TestPageTableEntryModifyFlags(t *testing.T) {
	specs := []struct {
		mode     AttributeModify
		flags    PageTableEntryFlag
		expFlags PageTableEntryFlag
	}{
		{AttributeSet, FlagsRO, FlagsRO},
		{AttributeInsert, FlagGlobal, FlagsRW | FlagGlobal},
		{AttributeRemove, FlagNoExecute, FlagPresent | FlagRW},
		{AttributeToggle, FlagRW | FlagDirty, FlagPresent | FlagDirty | FlagNoExecute},
	}

	for specIndex, spec := range specs {
		var pte PageTableEntry
		pte.Set(pmm.Frame(42), FlagsRW)

		pte.ModifyFlags(spec.flags, spec.mode)

		if got := pte.Flags(); got != spec.expFlags {
			t.Errorf("[spec %d] expected flags %x; got %x", specIndex, spec.expFlags, got)
		}

		if got := pte.Frame(); got != 42 {
			t.Errorf("[spec %d] expected frame to be preserved; got %d", specIndex, got)
		}
	}
}
