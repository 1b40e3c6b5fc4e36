package kernel

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoKThreadSlots is the Band 1 sentinel returned when a process's
// kthread table is full, the equivalent of alloc_kthread's "return 0".
var ErrNoKThreadSlots = errors.New("kernel: no free kthread slots in process")

// allocKThread finds an UNUSED slot in p.threads, assigns it a tid, wires a
// fresh resume/parked channel pair for this occupancy, and spawns the
// goroutine that will run body once the scheduler dispatches it. The slot
// is left in KTUsed, not yet RUNNABLE — the caller decides when to flip it,
// the same division of labor allocproc/userinit/fork have with
// alloc_kthread in the original. Caller must already hold p.lock: tid
// assignment is per-process (nexttid++ under the process lock, component
// B), not a kernel-wide counter.
func (k *Kernel) allocKThread(ctx context.Context, p *Proc, body ThreadFunc) (*KThread, error) {
	id := lockIdentity(ctx)
	var kt *KThread
	for i := range p.threads {
		cand := &p.threads[i]
		cand.lock.Acquire(id)
		if cand.state == KTUnused {
			kt = cand
			break
		}
		cand.lock.Release(id)
	}
	if kt == nil {
		return nil, ErrNoKThreadSlots
	}
	defer kt.lock.Release(id)

	kt.tid = allocTIDLocked(p)
	kt.state = KTUsed
	kt.xstate = 0
	kt.killed.Store(false)
	kt.chanKey = nil
	kt.proc.Store(p)
	kt.cpu.Store(nil)
	kt.body = body
	kt.resume = make(chan *CPU)
	kt.parked = make(chan struct{})

	go k.runThread(kt)
	return kt, nil
}

// freeKThreadLocked resets a kthread slot to UNUSED. Caller must hold
// kt.lock. Mirrors kthread_freekthread: clear every field a subsequent
// occupant of this slot must not inherit.
func (k *Kernel) freeKThreadLocked(kt *KThread) {
	kt.tid = 0
	kt.xstate = 0
	kt.chanKey = nil
	kt.killed.Store(false)
	kt.proc.Store(nil)
	kt.cpu.Store(nil)
	kt.body = nil
	kt.resume = nil
	kt.parked = nil
	kt.state = KTUnused
}

// runThread is the goroutine body backing one occupancy of a kthread slot.
// It blocks on resume until the scheduler first dispatches this thread
// (the forkret analogue), runs the thread's body, and then performs the
// same bookkeeping an explicit KThreadExit call would if body returns
// normally instead of calling KThreadExit itself.
func (k *Kernel) runThread(kt *KThread) {
	c := <-kt.resume
	ctx := withThread(withCPU(context.Background(), c), kt)
	kt.body(ctx)
	k.kthreadExit(ctx, 0)
}
