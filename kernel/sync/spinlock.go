// Package sync provides spinlock implementations for code that must not sleep:
// the frame ledger, the address-space mapper and the block heap all run with
// interrupts disabled while holding one of these locks.
package sync

import (
	"runtime"
	"sync/atomic"
)

const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked after attemptsBeforeYielding failed acquisition
	// attempts. Tests may replace it.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); !l.TryToAcquire(); attempt++ {
		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// RWSpinlock is a reader-writer spinlock. Any number of readers may hold it
// at once; a writer holds it exclusively. A waiting writer blocks new readers
// so that a steady stream of lookups cannot starve mutations.
type RWSpinlock struct {
	// state is -1 while a writer holds the lock, otherwise the reader count.
	state int32

	// pendingWriters counts writers spinning in Lock.
	pendingWriters int32
}

// Lock acquires the lock for writing.
func (l *RWSpinlock) Lock() {
	atomic.AddInt32(&l.pendingWriters, 1)
	for attempt := uint32(1); !atomic.CompareAndSwapInt32(&l.state, 0, -1); attempt++ {
		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
	atomic.AddInt32(&l.pendingWriters, -1)
}

// TryLock attempts to acquire the lock for writing without spinning.
func (l *RWSpinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, 0, -1)
}

// Unlock releases a write lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}

// RLock acquires the lock for reading.
func (l *RWSpinlock) RLock() {
	for attempt := uint32(1); !l.TryRLock(); attempt++ {
		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryRLock attempts to acquire the lock for reading without spinning. It
// fails while a writer holds or waits for the lock.
func (l *RWSpinlock) TryRLock() bool {
	if atomic.LoadInt32(&l.pendingWriters) != 0 {
		return false
	}
	s := atomic.LoadInt32(&l.state)
	return s >= 0 && atomic.CompareAndSwapInt32(&l.state, s, s+1)
}

// RUnlock releases a read lock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddInt32(&l.state, -1)
}
