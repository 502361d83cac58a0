// Package malloc implements the kernel block heap. Memory is handed out in
// runs of fixed-size blocks; every heap page is tracked by one BlockPage
// bitmap word and is only backed by a physical frame while at least one of
// its blocks is in use.
//
// The BlockPage map itself lives in a separate virtual window (MapBase) whose
// pages are obtained straight from the mapper, so growing the map never
// recurses into the allocator.
package malloc

import (
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel"
	"github.com/pyre-project/pyre/kernel/cpu"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
	"github.com/pyre-project/pyre/kernel/mem/vmm"
	"github.com/pyre-project/pyre/kernel/sync"
	"github.com/sirupsen/logrus"
)

const (
	blocksPerPage = 64

	// BlockSize is the allocation granularity and the minimum alignment of
	// the heap.
	BlockSize = uintptr(mem.PageSize) / blocksPerPage

	blockPagesPerMapPage = uint64(mem.PageSize) >> mem.PointerShift
	blocksPerMapPage     = blockPagesPerMapPage * blocksPerPage
)

var (
	ErrInvalidConfig     = &kernel.Error{Module: "malloc", Message: "invalid heap configuration"}
	ErrInvalidPointer    = &kernel.Error{Module: "malloc", Message: "pointer does not belong to the heap"}
	ErrDoubleFree        = &kernel.Error{Module: "malloc", Message: "attempting to deallocate blocks that are already deallocated"}
	ErrBlocksInUse       = &kernel.Error{Module: "malloc", Message: "attempting to allocate blocks that are already allocated"}
	ErrPageInUse         = &kernel.Error{Module: "malloc", Message: "attempting to identity map a page with allocated blocks"}
	ErrOutsideHeapWindow = &kernel.Error{Module: "malloc", Message: "frame lies outside of the heap window"}
	ErrHeapExhausted     = &kernel.Error{Module: "malloc", Message: "block map cannot grow any further"}
	ErrEmptyFrameRange   = &kernel.Error{Module: "malloc", Message: "frame range is empty"}
)

// BlockPage tracks the blocks of one heap page. Bit i is set while block i
// is allocated.
type BlockPage uint64

// Empty returns true if no block of the page is allocated.
func (b BlockPage) Empty() bool { return b == 0 }

// Full returns true if every block of the page is allocated.
func (b BlockPage) Full() bool { return b == ^BlockPage(0) }

// blockMask returns the bits of block page pageIndex that fall inside the
// block range [start, end).
func blockMask(pageIndex, start, end uint64) BlockPage {
	first := pageIndex * blocksPerPage
	lo := max(start, first) - first
	hi := min(end, first+blocksPerPage) - first

	if hi-lo == blocksPerPage {
		return ^BlockPage(0)
	}
	return BlockPage((uint64(1)<<(hi-lo) - 1) << lo)
}

// Config places the heap in the kernel address space.
type Config struct {
	Arch   cpu.Arch
	Mapper *vmm.Mapper

	// HeapBase is the address of heap page 0. Heap page i lives at
	// HeapBase + i*PageSize.
	HeapBase uintptr

	// MapBase is where the BlockPage map is mapped. At most MaxMapPages
	// pages are used, which caps the heap at MaxMapPages*512 heap pages.
	MapBase     uintptr
	MaxMapPages uint64
}

func (cfg Config) validate() *kernel.Error {
	pageMask := uintptr(mem.PageSize - 1)

	switch {
	case cfg.Arch == nil, cfg.Mapper == nil, cfg.MaxMapPages == 0:
		return ErrInvalidConfig
	case cfg.HeapBase&pageMask != 0, cfg.MapBase&pageMask != 0:
		return ErrInvalidConfig
	}

	heapEnd := cfg.HeapBase + uintptr(cfg.MaxMapPages*blockPagesPerMapPage)<<mem.PageShift
	mapEnd := cfg.MapBase + uintptr(cfg.MaxMapPages)<<mem.PageShift
	if cfg.HeapBase < mapEnd && cfg.MapBase < heapEnd {
		return ErrInvalidConfig
	}
	return nil
}

// BlockAllocator is the kernel heap. Fatal conditions (double free, frame
// exhaustion, growing past MaxMapPages) halt the kernel via kernel.Panic.
type BlockAllocator struct {
	lock   sync.RWSpinlock
	arch   cpu.Arch
	mapper *vmm.Mapper

	heapBase    uintptr
	mapBase     uintptr
	maxMapPages uint64

	// mapPages holds a view of each BlockPage map page through the
	// direct-map window.
	mapPages [][]BlockPage

	log *logrus.Entry
}

// New returns an empty heap. No memory is mapped until the first allocation.
func New(cfg Config) (*BlockAllocator, *kernel.Error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &BlockAllocator{
		arch:        cfg.Arch,
		mapper:      cfg.Mapper,
		heapBase:    cfg.HeapBase,
		mapBase:     cfg.MapBase,
		maxMapPages: cfg.MaxMapPages,
		log:         kfmt.Logger("malloc"),
	}, nil
}

func (a *BlockAllocator) write(fn func()) {
	cpu.WithoutInterrupts(a.arch, func() {
		a.lock.Lock()
		defer a.lock.Unlock()
		fn()
	})
}

func (a *BlockAllocator) read(fn func()) {
	cpu.WithoutInterrupts(a.arch, func() {
		a.lock.RLock()
		defer a.lock.RUnlock()
		fn()
	})
}

// Len returns the number of BlockPage entries in the map.
func (a *BlockAllocator) Len() int {
	var n uint64
	a.read(func() { n = a.blockPages() })
	return int(n)
}

// PageState reports whether heap page index has any allocated blocks. The
// second result is false if index lies beyond the map.
func (a *BlockAllocator) PageState(index int) (inUse bool, ok bool) {
	a.read(func() {
		if index < 0 || uint64(index) >= a.blockPages() {
			return
		}
		inUse, ok = !a.blockPage(uint64(index)).Empty(), true
	})
	return inUse, ok
}

func (a *BlockAllocator) blockPages() uint64 {
	return uint64(len(a.mapPages)) * blockPagesPerMapPage
}

func (a *BlockAllocator) blockPage(index uint64) *BlockPage {
	return &a.mapPages[index/blockPagesPerMapPage][index%blockPagesPerMapPage]
}

// heapPage returns the virtual page that backs block page index.
func (a *BlockAllocator) heapPage(index uint64) vmm.Page {
	return vmm.PageFromAddress(a.heapBase) + vmm.Page(index)
}

func (a *BlockAllocator) blockAddress(block uint64) uintptr {
	return a.heapBase + uintptr(block)*BlockSize
}

// Alloc allocates size bytes and returns their address. An alignment that
// is not a multiple of BlockSize is replaced by BlockSize. The heap grows as
// needed; if it cannot, the kernel halts.
func (a *BlockAllocator) Alloc(size, align uintptr) uintptr {
	blocks := blockCount(size)
	if limit := a.maxMapPages * blocksPerMapPage; blocks > limit {
		kernel.Panic(ErrHeapExhausted.Wrap(errors.Errorf("%d blocks requested, the heap tracks at most %d", blocks, limit)))
	}

	if align == 0 || align%BlockSize != 0 {
		a.log.Tracef("unsupported alignment %d; defaulting to %d", align, BlockSize)
		align = BlockSize
	}

	a.log.Tracef("allocation requested: %d bytes by %d (%d blocks)", size, align, blocks)

	var ptr uintptr
	a.write(func() {
		start, ok := a.findRun(blocks, align)
		for !ok {
			a.grow(blocks)
			start, ok = a.findRun(blocks, align)
		}

		a.log.Tracef("allocation fulfilling: %d..%d", start, start+blocks)
		a.markBlocks(start, start+blocks)
		ptr = a.blockAddress(start)
	})
	return ptr
}

// blockCount returns the number of blocks that hold size bytes; at least one.
func blockCount(size uintptr) uint64 {
	blocks := uint64(size / BlockSize)
	if size%BlockSize != 0 || blocks == 0 {
		blocks++
	}
	return blocks
}

// findRun returns the first block of a run of count free blocks whose
// address is a multiple of align.
func (a *BlockAllocator) findRun(count uint64, align uintptr) (uint64, bool) {
	var run uint64

	for pageIndex, total := uint64(0), a.blockPages(); pageIndex < total; pageIndex++ {
		bp := *a.blockPage(pageIndex)

		switch {
		case bp.Full():
			run = 0
			continue
		case bp.Empty() && run > 0 && run+blocksPerPage < count:
			run += blocksPerPage
			continue
		}

		for bit := uint64(0); bit < blocksPerPage; bit++ {
			block := pageIndex*blocksPerPage + bit

			switch {
			case bp&(1<<bit) != 0:
				run = 0
			case run > 0 || a.blockAddress(block)%align == 0:
				run++
			}

			if run == count {
				return block + 1 - count, true
			}
		}
	}

	return 0, false
}

// markBlocks allocates blocks [start, end). Pages that gain their first
// block are mapped to a fresh frame and zeroed.
func (a *BlockAllocator) markBlocks(start, end uint64) {
	for pageIndex := start / blocksPerPage; pageIndex <= (end-1)/blocksPerPage; pageIndex++ {
		bp := a.blockPage(pageIndex)
		mask := blockMask(pageIndex, start, end)

		if *bp&mask != 0 {
			kernel.Panic(ErrBlocksInUse.Wrap(errors.Errorf("heap page %d", pageIndex)))
		}

		wasEmpty := bp.Empty()
		*bp |= mask
		if !wasEmpty {
			continue
		}

		frame, err := a.mapper.AutoMap(a.heapPage(pageIndex), vmm.FlagsRW)
		if err != nil {
			kernel.Panic(err)
		}
		mem.Memset(a.mapper.DirectMapAddress(frame), 0, mem.PageSize)
	}
}

// Dealloc releases the size bytes at ptr. Pages left without allocated
// blocks are unmapped and their frames returned to the ledger. Releasing
// blocks that are not allocated halts the kernel.
func (a *BlockAllocator) Dealloc(ptr, size uintptr) {
	if ptr < a.heapBase || (ptr-a.heapBase)%BlockSize != 0 {
		kernel.Panic(ErrInvalidPointer.Wrap(errors.Errorf("address 0x%x", ptr)))
	}

	blocks := blockCount(size)
	start := uint64((ptr - a.heapBase) / BlockSize)
	end := start + blocks
	a.log.Tracef("deallocation requested: %d..%d", start, end)

	a.write(func() {
		if end > a.blockPages()*blocksPerPage {
			kernel.Panic(ErrInvalidPointer.Wrap(errors.Errorf("address 0x%x", ptr)))
		}

		for pageIndex := start / blocksPerPage; pageIndex <= (end-1)/blocksPerPage; pageIndex++ {
			bp := a.blockPage(pageIndex)
			mask := blockMask(pageIndex, start, end)

			if *bp&mask != mask {
				kernel.Panic(ErrDoubleFree.Wrap(errors.Errorf("address 0x%x, heap page %d", ptr, pageIndex)))
			}

			if *bp &^= mask; bp.Empty() {
				a.releasePage(pageIndex)
			}
		}
	})
}

// releasePage unmaps an empty heap page. Pages bound to caller frames keep
// their frames.
func (a *BlockAllocator) releasePage(pageIndex uint64) {
	page := a.heapPage(pageIndex)

	flags, err := a.mapper.PageAttributes(page)
	if err != nil {
		kernel.Panic(err)
	}

	ownership := vmm.OwnershipLocked
	if flags&vmm.FlagPinned != 0 {
		ownership = vmm.OwnershipNone
	}

	if err = a.mapper.Unmap(page, ownership); err != nil {
		kernel.Panic(err)
	}
}

// AllocTo reserves count whole heap pages and maps them to the frames
// [first, first+count). The frames stay owned by the caller: Dealloc unmaps
// these pages without freeing them.
func (a *BlockAllocator) AllocTo(first pmm.Frame, count uint64) uintptr {
	if count == 0 {
		kernel.Panic(ErrEmptyFrameRange)
	}

	a.log.Tracef("allocation requested to frames %d..%d", first, first+pmm.Frame(count))

	var ptr uintptr
	a.write(func() {
		start, ok := a.findEmptyPages(count)
		for !ok {
			a.grow(count * blocksPerPage)
			start, ok = a.findEmptyPages(count)
		}

		a.log.Tracef("allocation fulfilling: pages %d..%d", start, start+count)
		for i := uint64(0); i < count; i++ {
			*a.blockPage(start + i) = ^BlockPage(0)

			if err := a.mapper.Map(a.heapPage(start+i), first+pmm.Frame(i), vmm.OwnershipNone, vmm.FlagsRW|vmm.FlagPinned); err != nil {
				kernel.Panic(err)
			}
		}

		ptr = a.heapPage(start).Address()
	})
	return ptr
}

func (a *BlockAllocator) findEmptyPages(count uint64) (uint64, bool) {
	var run uint64

	for pageIndex, total := uint64(0), a.blockPages(); pageIndex < total; pageIndex++ {
		if !a.blockPage(pageIndex).Empty() {
			run = 0
			continue
		}

		if run++; run == count {
			return pageIndex + 1 - count, true
		}
	}

	return 0, false
}

// IdentityMap marks the heap page that corresponds to frame as fully
// allocated so the heap never hands it out. Heap page i corresponds to the
// frame at physical address HeapBase + i*PageSize; with a zero HeapBase the
// heap page and the frame share an address. If virtualMap is set the page is
// also mapped to frame, otherwise the caller must have mapped it already.
func (a *BlockAllocator) IdentityMap(frame pmm.Frame, virtualMap bool) *kernel.Error {
	a.log.Tracef("identity mapping requested: frame %d (map: %t)", frame, virtualMap)

	if frame.Address() < a.heapBase {
		return ErrOutsideHeapWindow
	}

	index := uint64((frame.Address() - a.heapBase) >> mem.PageShift)
	if index >= a.maxMapPages*blockPagesPerMapPage {
		return ErrOutsideHeapWindow
	}

	var err *kernel.Error
	a.write(func() {
		if total := a.blockPages(); index >= total {
			a.grow((index - total + 1) * blocksPerPage)
		}

		bp := a.blockPage(index)
		if !bp.Empty() {
			kernel.Panic(ErrPageInUse.Wrap(errors.Errorf("frame %d", frame)))
		}

		if virtualMap {
			if err = a.mapper.Map(a.heapPage(index), frame, vmm.OwnershipNone, vmm.FlagsRW|vmm.FlagPinned); err != nil {
				return
			}
		}

		*bp = ^BlockPage(0)
	})
	return err
}

// Grow extends the BlockPage map so that at least requiredBlocks more blocks
// can be tracked. The number of map pages is rounded up to the next power of
// two.
func (a *BlockAllocator) Grow(requiredBlocks uint64) {
	a.write(func() {
		a.grow(requiredBlocks)
	})
}

func (a *BlockAllocator) grow(requiredBlocks uint64) {
	if requiredBlocks == 0 {
		requiredBlocks = 1
	}

	a.log.Tracef("growing map to facilitate %d blocks", requiredBlocks)

	cur := uint64(len(a.mapPages))
	next := nextPowerOfTwo(cur + (requiredBlocks+blocksPerMapPage-1)/blocksPerMapPage)
	if next > a.maxMapPages {
		kernel.Panic(ErrHeapExhausted.Wrap(errors.Errorf("%d map pages required, %d available", next, a.maxMapPages)))
	}

	a.log.Tracef("growing map: %d..%d pages", cur, next)

	mapPage := vmm.PageFromAddress(a.mapBase)
	for i := cur; i < next; i++ {
		frame, err := a.mapper.AutoMap(mapPage+vmm.Page(i), vmm.FlagsRW)
		if err != nil {
			kernel.Panic(err)
		}

		addr := a.mapper.DirectMapAddress(frame)
		mem.Memset(addr, 0, mem.PageSize)
		a.mapPages = append(a.mapPages, unsafe.Slice((*BlockPage)(unsafe.Pointer(addr)), blockPagesPerMapPage))
	}

	a.log.WithFields(logrus.Fields{
		"pages":      next,
		"blockPages": a.blockPages(),
		"blocks":     a.blockPages() * blocksPerPage,
	}).Trace("grew map")
}

func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

// DirectMapAddress returns the address through which the heap memory at ptr
// can be accessed via the direct-map window. The returned address is valid
// up to the end of the page that contains ptr.
func (a *BlockAllocator) DirectMapAddress(ptr uintptr) (uintptr, *kernel.Error) {
	physAddr, err := a.mapper.Translate(ptr)
	if err != nil {
		return 0, err
	}
	return a.PhysicalMemory(physAddr), nil
}

// PhysicalMemory returns the direct-map address of physAddr.
func (a *BlockAllocator) PhysicalMemory(physAddr uintptr) uintptr {
	return a.mapper.DirectMapAddress(pmm.FrameFromAddress(physAddr)) + vmm.PageOffset(physAddr)
}
