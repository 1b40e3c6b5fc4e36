package kernel

import (
	"context"
	"runtime"
	"time"
)

// schedulerLoop is the per-CPU scheduler (component F). There is no shared
// stack to swtch into and out of, so dispatch is a channel handoff instead:
// the loop hands the running *CPU to a parked thread goroutine over
// kt.resume, then blocks on kt.parked until that goroutine yields, sleeps,
// or exits. kt.lock is only ever held by whichever side (scheduler or
// thread) is actively mutating the slot's fields — never across the
// handoff itself, since nothing about a channel send requires mutual
// exclusion the way swtch's register save/restore did.
func (k *Kernel) schedulerLoop(ctx context.Context, c *CPU) {
	for !k.stop.Load() && ctx.Err() == nil {
		ranSomething := false
		for i := range k.procs {
			p := &k.procs[i]
			for j := range p.threads {
				kt := &p.threads[j]
				kt.lock.Acquire(c)
				if kt.state != KTRunnable {
					kt.lock.Release(c)
					continue
				}
				kt.state = KTRunning
				kt.cpu.Store(c)
				kt.lock.Release(c)

				c.thread.Store(kt)
				kt.resume <- c
				<-kt.parked
				c.thread.Store(nil)
				ranSomething = true
			}
		}
		if !ranSomething {
			runtime.Gosched()
			time.Sleep(time.Microsecond)
		}
	}
}

// park hands control back to the scheduler: it signals kt.parked and then,
// unless the thread has become a ZOMBIE (in which case there is nothing
// left to resume and the backing goroutine should simply end), blocks on
// kt.resume for the next dispatch, recording whichever CPU resumes it.
func park(kt *KThread, zombie bool) *CPU {
	kt.parked <- struct{}{}
	if zombie {
		return nil
	}
	c := <-kt.resume
	kt.cpu.Store(c)
	return c
}

// Yield voluntarily gives up the CPU, marking the calling kernel thread
// RUNNABLE so the scheduler may pick any RUNNABLE thread (itself included)
// next (mirrors yield()).
func Yield(ctx context.Context) {
	kt := MyKThread(ctx)
	if kt == nil {
		invariantf("kernel: Yield called outside a dispatched kernel thread")
	}
	c := MyCPU(ctx)
	kt.lock.Acquire(c)
	kt.state = KTRunnable
	kt.lock.Release(c)
	park(kt, false)
}
