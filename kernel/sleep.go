package kernel

import (
	"context"

	"github.com/gokernel-labs/rv64proc/spinlock"
)

// Sleep puts the calling kernel thread to sleep on chanKey, atomically
// with respect to Wakeup: external must already be held by the caller and
// is released only after kt.lock is taken, so no Wakeup(chanKey) sent
// between the caller's decision to sleep and this call can be missed
// (mirrors sleep()'s lost-wakeup argument exactly).
func Sleep(ctx context.Context, chanKey any, external *spinlock.Lock) {
	kt := MyKThread(ctx)
	if kt == nil {
		invariantf("kernel: Sleep called outside a dispatched kernel thread")
	}
	c := MyCPU(ctx)

	kt.lock.Acquire(c)
	external.Release(c)
	kt.chanKey = chanKey
	kt.state = KTSleeping
	kt.lock.Release(c)

	park(kt, false)

	c = MyCPU(ctx)
	kt.lock.Acquire(c)
	kt.chanKey = nil
	kt.lock.Release(c)

	external.Acquire(c)
}

// SleepOn is the convenience entry point for a kernel thread that wants to
// sleep on an arbitrary condition without owning a lock of its own
// already: it borrows the kernel's wait_lock as the external lock Sleep
// needs for the release-then-sleep handoff, the same lock Wait and
// KThreadJoin use for their own condition variables.
func (k *Kernel) SleepOn(ctx context.Context, chanKey any) {
	id := lockIdentity(ctx)
	k.procLock.Acquire(id)
	Sleep(ctx, chanKey, k.procLock)
	k.procLock.Release(MyCPU(ctx))
}

// Wakeup marks every kernel thread sleeping on chanKey RUNNABLE. Safe to
// call whether or not anything is actually asleep on chanKey.
func (k *Kernel) Wakeup(ctx context.Context, chanKey any) {
	id := lockIdentity(ctx)
	self := MyKThread(ctx)
	for i := range k.procs {
		p := &k.procs[i]
		for j := range p.threads {
			kt := &p.threads[j]
			if kt == self {
				continue
			}
			kt.lock.Acquire(id)
			if kt.state == KTSleeping && kt.chanKey == chanKey {
				kt.state = KTRunnable
			}
			kt.lock.Release(id)
		}
	}
}
