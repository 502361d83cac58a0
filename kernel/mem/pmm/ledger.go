package pmm

import (
	"github.com/pyre-project/pyre/kernel"
	"github.com/pyre-project/pyre/kernel/boot"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/sync"
)

var (
	ErrOutOfMemory      = &kernel.Error{Module: "pmm", Message: "out of memory"}
	ErrAlreadyLocked    = &kernel.Error{Module: "pmm", Message: "frame already locked"}
	ErrAlreadyBorrowed  = &kernel.Error{Module: "pmm", Message: "frame already borrowed"}
	ErrNotLocked        = &kernel.Error{Module: "pmm", Message: "frame not locked"}
	ErrNotBorrowed      = &kernel.Error{Module: "pmm", Message: "frame not borrowed"}
	ErrFrameUnavailable = &kernel.Error{Module: "pmm", Message: "frame is not allocatable memory"}
	ErrIndexOutOfRange  = &kernel.Error{Module: "pmm", Message: "frame index out of range"}
)

// FrameType describes the ownership state of a frame.
type FrameType uint8

const (
	// FrameFree frames can be locked or borrowed.
	FrameFree FrameType = iota

	// FrameLocked frames have a single exclusive owner.
	FrameLocked

	// FrameBorrowed frames are shared by one or more references; see
	// Ledger.State for the reference count.
	FrameBorrowed

	// FrameReserved frames belong to the firmware or boot loader and are
	// never handed out.
	FrameReserved

	// FrameMMIO frames are device memory; their ownership is not tracked.
	FrameMMIO

	// FrameAbsent frames lie in a hole of the memory map. Nothing backs
	// them, so they are never handed out or mapped.
	FrameAbsent
)

// String implements fmt.Stringer.
func (t FrameType) String() string {
	switch t {
	case FrameFree:
		return "free"
	case FrameLocked:
		return "locked"
	case FrameBorrowed:
		return "borrowed"
	case FrameReserved:
		return "reserved"
	case FrameMMIO:
		return "mmio"
	case FrameAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// frameState packs a FrameType into the low bits and the borrow count into
// the remaining bits so that the ledger needs 4 bytes per frame.
type frameState uint32

const (
	frameTypeBits = 3
	frameTypeMask = (1 << frameTypeBits) - 1
)

func (s frameState) typ() FrameType { return FrameType(s & frameTypeMask) }

func (s frameState) borrows() uint32 { return uint32(s) >> frameTypeBits }

func makeState(t FrameType, borrows uint32) frameState {
	return frameState(borrows<<frameTypeBits | uint32(t))
}

// Stats summarizes the ledger contents.
type Stats struct {
	Free, Locked, Borrowed, Reserved, MMIO, Absent uint64
}

// Ledger tracks the ownership state of every physical frame. A single
// reader-writer spinlock guards it. Callers that mutate the ledger must do so
// with interrupts disabled on the calling core; the ledger does not check.
type Ledger struct {
	lock   sync.RWSpinlock
	frames []frameState

	// nextHint is the lowest index that may hold a free frame.
	nextHint int
}

// NewLedger builds a ledger from the boot memory map. Frames fully covered by
// an available region start Free and frames of MMIO regions start MMIO.
// Frames of other regions, and frames only partially covered by an available
// region, start Reserved. Frames no region describes start Absent.
func NewLedger(memoryMap []boot.MemoryMapEntry) *Ledger {
	var (
		pageSizeMinus1 = uint64(mem.PageSize - 1)
		frameCount     uint64
	)

	for _, region := range memoryMap {
		if end := (region.PhysAddress + region.Length + pageSizeMinus1) >> mem.PageShift; end > frameCount {
			frameCount = end
		}
	}

	l := &Ledger{frames: make([]frameState, frameCount)}
	for i := range l.frames {
		l.frames[i] = makeState(FrameAbsent, 0)
	}

	// Available regions first so that any overlapping region of another
	// type wins.
	for _, region := range memoryMap {
		if region.Type != boot.MemAvailable {
			continue
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		start := (region.PhysAddress + pageSizeMinus1) >> mem.PageShift
		end := (region.PhysAddress + region.Length) >> mem.PageShift
		for f := start; f < end; f++ {
			l.frames[f] = makeState(FrameFree, 0)
		}

		// Partially covered frames at either end
		if region.PhysAddress&pageSizeMinus1 != 0 {
			l.markAbsentAs(start-1, FrameReserved)
		}
		if (region.PhysAddress+region.Length)&pageSizeMinus1 != 0 {
			l.markAbsentAs(end, FrameReserved)
		}
	}

	for _, region := range memoryMap {
		if region.Type == boot.MemAvailable {
			continue
		}

		typ := FrameReserved
		if region.Type == boot.MemMMIO {
			typ = FrameMMIO
		}

		start := region.PhysAddress >> mem.PageShift
		end := (region.PhysAddress + region.Length + pageSizeMinus1) >> mem.PageShift
		for f := start; f < end; f++ {
			l.frames[f] = makeState(typ, 0)
		}
	}

	stats := l.Stats()
	kfmt.Logger("pmm").Debugf(
		"ledger tracks %d frames (free: %dKb, reserved: %d, mmio: %d, absent: %d)",
		len(l.frames), stats.Free*uint64(mem.PageSize/mem.Kb), stats.Reserved, stats.MMIO, stats.Absent,
	)

	return l
}

// Len returns the number of frames tracked by the ledger.
func (l *Ledger) Len() int {
	return len(l.frames)
}

// LockNext locks the first free frame.
func (l *Ledger) LockNext() (Frame, *kernel.Error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i := l.nextHint; i < len(l.frames); i++ {
		if l.frames[i].typ() == FrameFree {
			l.frames[i] = makeState(FrameLocked, 0)
			l.nextHint = i + 1
			return Frame(i), nil
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// Lock transitions a free frame to Locked.
func (l *Ledger) Lock(f Frame) *kernel.Error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if f >= Frame(len(l.frames)) {
		return ErrIndexOutOfRange
	}

	switch l.frames[f].typ() {
	case FrameFree:
		l.frames[f] = makeState(FrameLocked, 0)
		return nil
	case FrameLocked:
		return ErrAlreadyLocked
	case FrameBorrowed:
		return ErrAlreadyBorrowed
	default:
		return ErrFrameUnavailable
	}
}

// Borrow adds a shared reference to a free or borrowed frame.
func (l *Ledger) Borrow(f Frame) *kernel.Error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if f >= Frame(len(l.frames)) {
		return ErrIndexOutOfRange
	}

	switch state := l.frames[f]; state.typ() {
	case FrameFree:
		l.frames[f] = makeState(FrameBorrowed, 1)
		return nil
	case FrameBorrowed:
		l.frames[f] = makeState(FrameBorrowed, state.borrows()+1)
		return nil
	case FrameLocked:
		return ErrAlreadyLocked
	default:
		return ErrFrameUnavailable
	}
}

// Drop releases a shared reference. The frame becomes free once the last
// reference is dropped.
func (l *Ledger) Drop(f Frame) *kernel.Error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if f >= Frame(len(l.frames)) {
		return ErrIndexOutOfRange
	}

	state := l.frames[f]
	if state.typ() != FrameBorrowed {
		return ErrNotBorrowed
	}

	if n := state.borrows() - 1; n > 0 {
		l.frames[f] = makeState(FrameBorrowed, n)
		return nil
	}

	l.release(f)
	return nil
}

// Free releases a locked frame.
func (l *Ledger) Free(f Frame) *kernel.Error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if f >= Frame(len(l.frames)) {
		return ErrIndexOutOfRange
	}

	if l.frames[f].typ() != FrameLocked {
		return ErrNotLocked
	}

	l.release(f)
	return nil
}

// ForceModifyType overrides the state of a frame without any transition
// checks. It is meant for hardware discovery, e.g. flagging a device
// register window as MMIO.
func (l *Ledger) ForceModifyType(f Frame, typ FrameType) *kernel.Error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if f >= Frame(len(l.frames)) {
		return ErrIndexOutOfRange
	}

	var borrows uint32
	if typ == FrameBorrowed {
		borrows = 1
	}

	if typ == FrameFree {
		l.release(f)
	} else {
		l.frames[f] = makeState(typ, borrows)
	}
	return nil
}

// State returns the type of a frame and its borrow count.
func (l *Ledger) State(f Frame) (FrameType, uint32, *kernel.Error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if f >= Frame(len(l.frames)) {
		return 0, 0, ErrIndexOutOfRange
	}

	state := l.frames[f]
	return state.typ(), state.borrows(), nil
}

// Stats returns the number of frames in each state.
func (l *Ledger) Stats() Stats {
	l.lock.RLock()
	defer l.lock.RUnlock()

	var s Stats
	for _, state := range l.frames {
		switch state.typ() {
		case FrameFree:
			s.Free++
		case FrameLocked:
			s.Locked++
		case FrameBorrowed:
			s.Borrowed++
		case FrameReserved:
			s.Reserved++
		case FrameMMIO:
			s.MMIO++
		case FrameAbsent:
			s.Absent++
		}
	}
	return s
}

// VisitFrames invokes visitor for each frame of the given type until it
// returns false. The ledger is read-locked while visiting, so the visitor
// must not call any ledger method that mutates state.
func (l *Ledger) VisitFrames(typ FrameType, visitor func(Frame) bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for i, state := range l.frames {
		if state.typ() == typ && !visitor(Frame(i)) {
			return
		}
	}
}

// VisitRanges invokes visitor for each maximal run [start, end) of frames
// that the memory map describes, in ascending order, until it returns false.
// Absent frames separate runs. The same locking rules as for VisitFrames
// apply.
func (l *Ledger) VisitRanges(visitor func(start, end Frame) bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	start := -1
	for i, state := range l.frames {
		switch {
		case state.typ() != FrameAbsent && start < 0:
			start = i
		case state.typ() == FrameAbsent && start >= 0:
			if !visitor(Frame(start), Frame(i)) {
				return
			}
			start = -1
		}
	}

	if start >= 0 {
		visitor(Frame(start), Frame(len(l.frames)))
	}
}

// markAbsentAs sets the type of f if it is still absent.
func (l *Ledger) markAbsentAs(f uint64, typ FrameType) {
	if f < uint64(len(l.frames)) && l.frames[f].typ() == FrameAbsent {
		l.frames[f] = makeState(typ, 0)
	}
}

// release marks f free. The write lock must be held.
func (l *Ledger) release(f Frame) {
	l.frames[f] = makeState(FrameFree, 0)
	if int(f) < l.nextHint {
		l.nextHint = int(f)
	}
}
