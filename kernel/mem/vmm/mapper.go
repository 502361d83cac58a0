// Package vmm implements the virtual-memory side of the memory core: a
// depth-generic page-table walker and the per-address-space Mapper built on
// top of it.
package vmm

import (
	"github.com/pyre-project/pyre/kernel"
	"github.com/pyre-project/pyre/kernel/cpu"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
	"github.com/pyre-project/pyre/kernel/sync"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotMapped          = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
	ErrAlreadyMapped      = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	ErrHugePage           = &kernel.Error{Module: "vmm", Message: "page is part of a huge page mapping"}
	ErrInvalidDepth       = &kernel.Error{Module: "vmm", Message: "invalid page table depth"}
	ErrAllocFailed        = &kernel.Error{Module: "vmm", Message: "could not allocate a frame"}
	ErrFrameOwnership     = &kernel.Error{Module: "vmm", Message: "frame ownership could not be resolved"}
	ErrAddressSpaceActive = &kernel.Error{Module: "vmm", Message: "cannot release the active address space"}
	ErrInvalidConfig      = &kernel.Error{Module: "vmm", Message: "invalid mapper configuration"}
)

// KeepFlags instructs CopyByMap to keep the attributes of the source entry.
const KeepFlags PageTableEntryFlag = 0

// Ownership selects what Map and Unmap do with the frame's ledger state.
type Ownership uint8

const (
	// OwnershipNone leaves the ledger untouched; the caller already owns
	// the frame or the frame is not tracked.
	OwnershipNone Ownership = iota

	// OwnershipBorrowed adds (on map) or drops (on unmap) a shared
	// reference to the frame.
	OwnershipBorrowed

	// OwnershipLocked locks (on map) or frees (on unmap) the frame.
	OwnershipLocked
)

// Config holds the collaborators of a Mapper.
type Config struct {
	Arch   cpu.Arch
	Ledger *pmm.Ledger

	// DirectMapBase is the virtual address at which all physical memory is
	// mapped linearly. Every table walk resolves frames through it.
	DirectMapBase uintptr
}

// Mapper owns the root table of one address space. All operations run with
// interrupts disabled on the calling core for as long as the mapper lock is
// held, and invalidate the local TLB entry of every page they modify. No
// other core is notified.
//
// Tables created for intermediate levels are never reclaimed; they are only
// released together with the address space.
type Mapper struct {
	lock   sync.RWSpinlock
	arch   cpu.Arch
	ledger *pmm.Ledger
	walker walker

	noExecute bool
	log       *logrus.Entry
}

func newMapper(cfg Config, root pmm.Frame) *Mapper {
	return &Mapper{
		arch:   cfg.Arch,
		ledger: cfg.Ledger,
		walker: walker{
			window: cfg.DirectMapBase,
			root:   root,
			levels: PageDepth(cfg.Arch.PagingLevels()),
			ledger: cfg.Ledger,
		},
		noExecute: cfg.Arch.NoExecuteSupported(),
		log:       kfmt.Logger("vmm"),
	}
}

func validateConfig(cfg Config) *kernel.Error {
	if cfg.Arch == nil || cfg.Ledger == nil {
		return ErrInvalidConfig
	}
	if levels := cfg.Arch.PagingLevels(); levels != 4 && levels != 5 {
		return ErrInvalidConfig
	}
	return nil
}

// New returns a Mapper for a fresh, empty address space. The root table is
// taken from the ledger and zeroed.
func New(cfg Config) (*Mapper, *kernel.Error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	var (
		root pmm.Frame
		err  *kernel.Error
	)
	cpu.WithoutInterrupts(cfg.Arch, func() {
		root, err = cfg.Ledger.LockNext()
	})
	if err != nil {
		return nil, ErrAllocFailed.Wrap(err)
	}

	mem.Memset(cfg.DirectMapBase+root.Address(), 0, mem.PageSize)
	return newMapper(cfg, root), nil
}

// FromCurrent returns a Mapper for the address space whose root table is
// currently active on the calling core.
func FromCurrent(cfg Config) (*Mapper, *kernel.Error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return newMapper(cfg, pmm.FrameFromAddress(cfg.Arch.RootTable())), nil
}

// NewFrom returns a Mapper whose root table is a copy of src's root table.
// The two address spaces share every lower-level table.
func NewFrom(src *Mapper) (*Mapper, *kernel.Error) {
	var (
		root pmm.Frame
		err  *kernel.Error
	)
	cpu.WithoutInterrupts(src.arch, func() {
		root, err = src.ledger.LockNext()
	})
	if err != nil {
		return nil, ErrAllocFailed.Wrap(err)
	}

	src.CopyRootTable(root)
	return newMapper(Config{Arch: src.arch, Ledger: src.ledger, DirectMapBase: src.walker.window}, root), nil
}

// NewKernel returns a Mapper for the kernel address space. Every frame that
// the ledger marks reserved is identity-mapped and every frame the memory
// map describes is mapped into the direct-map window. Holes in the memory
// map get no mappings.
func NewKernel(cfg Config) (*Mapper, *kernel.Error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}

	var reserved []pmm.Frame
	cfg.Ledger.VisitFrames(pmm.FrameReserved, func(f pmm.Frame) bool {
		reserved = append(reserved, f)
		return true
	})

	m.log.Debugf("identity mapping %d reserved frames", len(reserved))
	for _, f := range reserved {
		if err = m.IdentityMap(Page(f), FlagPresent|FlagRW); err != nil {
			return nil, err
		}
	}

	var ranges [][2]pmm.Frame
	cfg.Ledger.VisitRanges(func(start, end pmm.Frame) bool {
		ranges = append(ranges, [2]pmm.Frame{start, end})
		return true
	})

	for _, r := range ranges {
		if err = m.mapDirectWindow(r[0], r[1]); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// mapDirectWindow maps frames [start, end) at the direct-map window.
func (m *Mapper) mapDirectWindow(start, end pmm.Frame) *kernel.Error {
	m.log.Debugf("mapping frames %d..%d at direct map window 0x%x", start, end, m.walker.window)

	base := PageFromAddress(m.walker.window)
	for f := start; f < end; f++ {
		if err := m.Map(base+Page(f), f, OwnershipNone, FlagsRW|FlagWriteThroughCaching|FlagGlobal); err != nil {
			return err
		}
	}
	return nil
}

// RootFrame returns the frame that holds the root table.
func (m *Mapper) RootFrame() pmm.Frame {
	return m.walker.root
}

// DirectMapAddress returns the virtual address at which frame is visible
// through the direct-map window.
func (m *Mapper) DirectMapAddress(frame pmm.Frame) uintptr {
	return m.walker.window + frame.Address()
}

// Activate loads the root table into the calling core.
func (m *Mapper) Activate() {
	m.log.Debugf("activating root table at frame %d", m.walker.root)
	m.arch.SetRootTable(m.walker.root.Address())
}

// Release returns the root frame to the ledger. Intermediate tables are not
// walked and stay allocated.
func (m *Mapper) Release() *kernel.Error {
	if m.arch.RootTable() == m.walker.root.Address() {
		return ErrAddressSpaceActive
	}

	var err *kernel.Error
	cpu.WithoutInterrupts(m.arch, func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		err = m.ledger.Free(m.walker.root)
	})
	return err
}

// CopyRootTable copies the root table of m into the table stored in dst.
func (m *Mapper) CopyRootTable(dst pmm.Frame) {
	m.read(func() {
		mem.Memcopy(m.walker.tableAddr(m.walker.root), m.walker.tableAddr(dst), mem.PageSize)
	})
}

// write runs fn with interrupts disabled and the mapper write-locked.
func (m *Mapper) write(fn func() *kernel.Error) (err *kernel.Error) {
	cpu.WithoutInterrupts(m.arch, func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		err = fn()
	})
	return err
}

// read runs fn with interrupts disabled and the mapper read-locked.
func (m *Mapper) read(fn func()) {
	cpu.WithoutInterrupts(m.arch, func() {
		m.lock.RLock()
		defer m.lock.RUnlock()
		fn()
	})
}

// sanitize strips attributes the core cannot encode.
func (m *Mapper) sanitize(flags PageTableEntryFlag) PageTableEntryFlag {
	if !m.noExecute {
		flags &^= FlagNoExecute
	}
	return flags
}

func (m *Mapper) acquire(frame pmm.Frame, ownership Ownership) *kernel.Error {
	switch ownership {
	case OwnershipLocked:
		return m.ledger.Lock(frame)
	case OwnershipBorrowed:
		return m.ledger.Borrow(frame)
	default:
		return nil
	}
}

func (m *Mapper) release(frame pmm.Frame, ownership Ownership) *kernel.Error {
	switch ownership {
	case OwnershipLocked:
		return m.ledger.Free(frame)
	case OwnershipBorrowed:
		return m.ledger.Drop(frame)
	default:
		return nil
	}
}

// Map establishes a mapping between page and frame. The frame's ledger state
// is updated according to ownership before the entry is installed; missing
// intermediate tables are allocated from the ledger.
func (m *Mapper) Map(page Page, frame pmm.Frame, ownership Ownership, flags PageTableEntryFlag) *kernel.Error {
	return m.write(func() *kernel.Error {
		return m.mapLocked(page, frame, ownership, flags)
	})
}

func (m *Mapper) mapLocked(page Page, frame pmm.Frame, ownership Ownership, flags PageTableEntryFlag) *kernel.Error {
	// Ownership is resolved first so that the walker cannot hand out
	// the same frame for a new table.
	if err := m.acquire(frame, ownership); err != nil {
		return ErrFrameOwnership.Wrap(err)
	}

	pte, err := m.walker.readOrCreate(page, MinDepth)
	if err == nil && pte.Present() {
		err = ErrAlreadyMapped
	}
	if err != nil {
		_ = m.release(frame, ownership)
		return err
	}

	pte.Set(frame, m.sanitize(flags|FlagPresent))
	m.arch.InvalidateTLBEntry(page.Address())
	return nil
}

// Unmap removes the mapping of page and releases its frame according to
// ownership. The entry keeps its stale frame bits; only the present bit is
// cleared. If the frame cannot be released the mapping is restored.
func (m *Mapper) Unmap(page Page, ownership Ownership) *kernel.Error {
	return m.write(func() *kernel.Error {
		pte, err := m.walker.read(page, MinDepth)
		if err != nil {
			return err
		}

		if !pte.Present() {
			return ErrNotMapped
		}

		pte.ClearFlags(FlagPresent)
		m.arch.InvalidateTLBEntry(page.Address())

		if err = m.release(pte.Frame(), ownership); err != nil {
			pte.SetFlags(FlagPresent)
			return ErrFrameOwnership.Wrap(err)
		}
		return nil
	})
}

// CopyByMap moves the mapping of from to to, keeping the frame and its ledger
// state. Passing KeepFlags keeps the attributes of the source entry.
func (m *Mapper) CopyByMap(from, to Page, flags PageTableEntryFlag) *kernel.Error {
	return m.write(func() *kernel.Error {
		src, err := m.walker.read(from, MinDepth)
		if err != nil {
			return err
		}
		if !src.Present() {
			return ErrNotMapped
		}

		dst, err := m.walker.readOrCreate(to, MinDepth)
		if err != nil {
			return err
		}
		if dst.Present() {
			return ErrAlreadyMapped
		}

		if flags == KeepFlags {
			flags = src.Flags()
		}

		frame := src.Frame()
		src.Clear()
		dst.Set(frame, m.sanitize(flags|FlagPresent))

		m.arch.InvalidateTLBEntry(from.Address())
		m.arch.InvalidateTLBEntry(to.Address())
		return nil
	})
}

// AutoMap locks the next free frame and maps page to it. The frame stays
// locked; callers release it with Unmap(page, OwnershipLocked).
func (m *Mapper) AutoMap(page Page, flags PageTableEntryFlag) (pmm.Frame, *kernel.Error) {
	var frame pmm.Frame

	err := m.write(func() *kernel.Error {
		var err *kernel.Error
		if frame, err = m.ledger.LockNext(); err != nil {
			return ErrAllocFailed.Wrap(err)
		}

		if err = m.mapLocked(page, frame, OwnershipNone, flags); err != nil {
			_ = m.ledger.Free(frame)
			return err
		}
		return nil
	})
	if err != nil {
		return pmm.InvalidFrame, err
	}

	return frame, nil
}

// IdentityMap maps page to the frame with the same index.
func (m *Mapper) IdentityMap(page Page, flags PageTableEntryFlag) *kernel.Error {
	return m.Map(page, pmm.Frame(page), OwnershipNone, flags)
}

// MapMMIO flags frame as device memory and maps page to it with uncached
// attributes. If page is already mapped to frame only its attributes are
// updated.
func (m *Mapper) MapMMIO(page Page, frame pmm.Frame) *kernel.Error {
	return m.write(func() *kernel.Error {
		if err := m.ledger.ForceModifyType(frame, pmm.FrameMMIO); err != nil {
			return ErrFrameOwnership.Wrap(err)
		}

		if pte, err := m.walker.read(page, MinDepth); err == nil && pte.Present() {
			if pte.Frame() != frame {
				return ErrAlreadyMapped
			}

			pte.ModifyFlags(m.sanitize(FlagsMMIO), AttributeSet)
			m.arch.InvalidateTLBEntry(page.Address())
			return nil
		}

		return m.mapLocked(page, frame, OwnershipNone, FlagsMMIO)
	})
}

// PageAttributes returns the attributes of a mapped page.
func (m *Mapper) PageAttributes(page Page) (PageTableEntryFlag, *kernel.Error) {
	var (
		flags PageTableEntryFlag
		err   *kernel.Error
	)

	m.read(func() {
		var pte *PageTableEntry
		if pte, err = m.leaf(page); err == nil {
			flags = pte.Flags()
		}
	})
	return flags, err
}

// SetPageAttributes modifies the attributes of a mapped page. The
// no-execute attribute is silently dropped when the core does not support it.
func (m *Mapper) SetPageAttributes(page Page, flags PageTableEntryFlag, mode AttributeModify) *kernel.Error {
	return m.write(func() *kernel.Error {
		pte, err := m.leaf(page)
		if err != nil {
			return err
		}

		pte.ModifyFlags(flags, mode)
		if !m.noExecute {
			pte.ClearFlags(FlagNoExecute)
		}
		m.arch.InvalidateTLBEntry(page.Address())
		return nil
	})
}

// IsMapped returns true if page is mapped.
func (m *Mapper) IsMapped(page Page) bool {
	_, err := m.GetMappedTo(page)
	return err == nil
}

// IsMappedTo returns true if page is mapped to frame.
func (m *Mapper) IsMappedTo(page Page, frame pmm.Frame) bool {
	got, err := m.GetMappedTo(page)
	return err == nil && got == frame
}

// GetMappedTo returns the frame page is mapped to.
func (m *Mapper) GetMappedTo(page Page) (pmm.Frame, *kernel.Error) {
	var (
		frame = pmm.InvalidFrame
		err   *kernel.Error
	)

	m.read(func() {
		var pte *PageTableEntry
		if pte, err = m.leaf(page); err == nil {
			frame = pte.Frame()
		}
	})
	return frame, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.GetMappedTo(PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + PageOffset(virtAddr), nil
}

// leaf returns the present leaf entry of page. The mapper lock must be held.
func (m *Mapper) leaf(page Page) (*PageTableEntry, *kernel.Error) {
	pte, err := m.walker.read(page, MinDepth)
	if err != nil {
		return nil, err
	}
	if !pte.Present() {
		return nil, ErrNotMapped
	}
	return pte, nil
}

// WalkStep describes one entry visited by Walk.
type WalkStep struct {
	Depth PageDepth
	Index uintptr
	Entry PageTableEntry
}

// Walk returns the entries that translate page, from the root table down to
// the leaf or to the first absent or huge entry.
func (m *Mapper) Walk(page Page) []WalkStep {
	var steps []WalkStep

	m.read(func() {
		m.walker.visit(page, func(depth PageDepth, pte *PageTableEntry) bool {
			steps = append(steps, WalkStep{Depth: depth, Index: depth.Index(page.Address()), Entry: *pte})
			return true
		})
	})

	for _, step := range steps {
		m.log.WithFields(logrus.Fields{
			"depth":   step.Depth,
			"index":   step.Index,
			"present": step.Entry.Present(),
			"frame":   step.Entry.Frame(),
			"flags":   uintptr(step.Entry.Flags()),
		}).Debugf("walk 0x%x", page.Address())
	}
	return steps
}
