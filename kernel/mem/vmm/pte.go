package vmm

import (
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
)

// ptePhysPageMask is a mask that allows us to extract the physical memory
// address pointed to by a page table entry. For this particular architecture,
// bits 12-51 contain the physical memory address.
const ptePhysPageMask = uint64(0x000ffffffffff000)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagPinned is a software bit marking pages mapped to frames that the
	// mapping does not own (e.g. frames handed to the block heap by a
	// driver). Unmapping such a page never releases its frame.
	FlagPinned

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// Common attribute sets.
const (
	FlagsRO   = FlagPresent | FlagNoExecute
	FlagsRW   = FlagPresent | FlagRW | FlagNoExecute
	FlagsRX   = FlagPresent
	FlagsMMIO = FlagsRW | FlagDoNotCache
)

// tableFlags are applied to every non-leaf entry the walker installs. The
// user bit is set so that leaf entries alone decide user accessibility.
const tableFlags = FlagPresent | FlagRW | FlagUserAccessible

// flagMask covers every attribute bit of an entry.
const flagMask = PageTableEntryFlag(^ptePhysPageMask)

// AttributeModify selects how SetPageAttributes combines the supplied flags
// with the current ones.
type AttributeModify uint8

const (
	// AttributeSet replaces all attributes.
	AttributeSet AttributeModify = iota

	// AttributeInsert adds the supplied attributes.
	AttributeInsert

	// AttributeRemove clears the supplied attributes.
	AttributeRemove

	// AttributeToggle flips the supplied attributes.
	AttributeToggle
)

// PageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The raw word is only reachable
// through the accessors below.
type PageTableEntry struct {
	word uint64
}

// Present returns true if the entry maps a frame or a table.
func (pte PageTableEntry) Present() bool {
	return pte.HasFlags(FlagPresent)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (pte.word & uint64(flags)) == uint64(flags)
}

// Flags returns the attribute bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(pte.word) & flagMask
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	pte.word |= uint64(flags & flagMask)
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	pte.word &^= uint64(flags & flagMask)
}

// ModifyFlags combines flags with the current attributes according to mode.
func (pte *PageTableEntry) ModifyFlags(flags PageTableEntryFlag, mode AttributeModify) {
	flags &= flagMask

	switch mode {
	case AttributeSet:
		pte.word = (pte.word & ptePhysPageMask) | uint64(flags)
	case AttributeInsert:
		pte.word |= uint64(flags)
	case AttributeRemove:
		pte.word &^= uint64(flags)
	case AttributeToggle:
		pte.word ^= uint64(flags)
	}
}

// Frame returns the physical page frame that this page table entry points to.
// The result is meaningless for entries that are not present.
func (pte PageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((pte.word & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame pmm.Frame) {
	pte.word = (pte.word &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask)
}

// Set replaces the entry with a mapping of frame using flags.
func (pte *PageTableEntry) Set(frame pmm.Frame, flags PageTableEntryFlag) {
	pte.word = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
}

// Clear zeroes the entry.
func (pte *PageTableEntry) Clear() {
	pte.word = 0
}
