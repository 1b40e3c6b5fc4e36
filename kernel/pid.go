package kernel

import "context"

// AllocPID returns the next process id. Guarded by pidLock rather than a
// plain atomic increment because the original serializes pid allocation
// under a dedicated lock to keep the allocation order observable to
// procdump and tests even though the increment itself would be safe
// lock-free (component B). Identity for the lock's already-held check
// comes from ctx's CPU the same way every other lock acquisition in this
// package does; callers with no dispatched CPU yet (Boot's own userinit
// call) fall back to a single boot-only identity that is never used
// concurrently with itself.
func (k *Kernel) AllocPID(ctx context.Context) uint64 {
	c := lockIdentity(ctx)
	k.pidLock.Acquire(c)
	defer k.pidLock.Release(c)
	k.nextPID.Add(1)
	return k.nextPID.Load()
}

// allocTIDLocked returns the next tid to assign within p, mirroring
// nexttid++ under the process's own lock (not pidLock: tids are scoped to
// a single process, not global, per spec.md component B). Caller must
// already hold p.lock.
func allocTIDLocked(p *Proc) uint64 {
	p.nextTID++
	return p.nextTID
}

// bootIdentity stands in for a CPU during the single-threaded portion of
// Boot, before any schedulerLoop goroutine (and thus any real *CPU) exists.
var bootIdentity = newCPU(-1)

// lockIdentity resolves the spinlock.CPUState a caller should present when
// taking a Kernel-wide lock: the real *CPU running ctx if one is
// dispatched, otherwise the single boot-time placeholder.
func lockIdentity(ctx context.Context) *CPU {
	if c := MyCPU(ctx); c != nil {
		return c
	}
	return bootIdentity
}
