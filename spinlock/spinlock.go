// Package spinlock implements a non-sleeping mutual-exclusion lock for the
// kernel's fixed-capacity resource tables (process slots, kernel-thread
// slots, the pid/tid counters).
//
// Unlike sync.Mutex, a Lock never suspends the calling goroutine in the Go
// runtime's scheduler: it spins on an atomic compare-and-swap, backing off
// with runtime.Gosched when contended. That is the correct primitive here
// because, by design, a Lock is only ever meant to be held across very
// short critical sections (a handful of field reads/writes) — exactly the
// same tradeoff haraldrudell-parl's SpinLock documents for its own atomic
// CAS loop, which this type's Acquire/Release loop follows.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1

	// maxSpin bounds the busy-wait before yielding the goroutine outright;
	// mirrors the exponential-backoff cap in the reference SpinLock.
	maxSpin = 8
)

// CPUState is the interrupt-nesting bookkeeping a Lock needs from whatever
// logical CPU is acquiring or releasing it (component A, §4.A: acquire
// disables interrupts via push_off before spinning; release does pop_off
// after clearing the lock).
type CPUState interface {
	ID() int
	PushOff()
	PopOff()
}

// Lock is a spinlock. The zero value is not usable; construct with New so
// the owner field starts at "no owner" rather than CPU 0.
type Lock struct {
	_     cpu.CacheLinePad
	state atomic.Uint32
	owner atomic.Int64 // -1 when free, else the holding CPU's id
	name  string
	_     cpu.CacheLinePad
}

// New returns an unlocked Lock identified by name for panic messages.
func New(name string) *Lock {
	l := &Lock{name: name}
	l.owner.Store(-1)
	return l
}

// Name returns the lock's debug name.
func (l *Lock) Name() string { return l.name }

// Acquire disables interrupts on c (push_off) and then spins until the
// lock is free, recording c as the owner. Panics if c already holds l.
func (l *Lock) Acquire(c CPUState) {
	c.PushOff()
	if l.Holding(c) {
		c.PopOff()
		panic(errors.Errorf("spinlock %q: acquire: already held by cpu %d", l.name, c.ID()))
	}

	spin := 1
	for l.state.Load() == locked || !l.state.CompareAndSwap(unlocked, locked) {
		if spin < maxSpin {
			spin <<= 1
		} else {
			runtime.Gosched()
		}
	}
	l.owner.Store(int64(c.ID()))
}

// Release clears l and does pop_off on c. Panics if c does not hold l.
func (l *Lock) Release(c CPUState) {
	if !l.Holding(c) {
		panic(errors.Errorf("spinlock %q: release: not held by cpu %d", l.name, c.ID()))
	}
	l.owner.Store(-1)
	l.state.Store(unlocked)
	c.PopOff()
}

// Holding reports whether l is currently held by c. Matches the spec's
// caveat that callers must already have interrupts disabled for the
// "which CPU am I" read embedded in c to be meaningful.
func (l *Lock) Holding(c CPUState) bool {
	return l.state.Load() == locked && l.owner.Load() == int64(c.ID())
}
