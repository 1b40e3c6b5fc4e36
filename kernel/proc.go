package kernel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gokernel-labs/rv64proc/fs"
	"github.com/gokernel-labs/rv64proc/mm"
)

// ErrNoProcSlots is the Band 1 sentinel returned when every process slot
// is in use, the equivalent of allocproc's "return 0" on a full table.
var ErrNoProcSlots = errors.New("kernel: no free process slots")

// allocProc finds an UNUSED process slot, assigns it a pid and a fresh
// page table, allocates its first kernel thread to run body, and returns
// it still USED but with that thread merely allocated, not yet RUNNABLE,
// until the caller flips it — mirrors allocproc's contract, where
// userinit/fork are the ones who decide when the new thread becomes
// schedulable.
func (k *Kernel) allocProc(ctx context.Context, name string, body ThreadFunc) (*Proc, *KThread, error) {
	id := lockIdentity(ctx)
	var p *Proc
	for i := range k.procs {
		cand := &k.procs[i]
		cand.lock.Acquire(id)
		if cand.state == PUnused {
			p = cand
			break
		}
		cand.lock.Release(id)
	}
	if p == nil {
		return nil, nil, ErrNoProcSlots
	}
	defer p.lock.Release(id)

	p.pid = k.AllocPID(ctx)
	p.name = name
	p.state = PUsed
	p.killed.Store(false)
	p.exitCode = 0
	p.nextTID = 0
	p.parent.Store(nil)
	p.pagetable = mm.NewSimTable()

	kt, err := k.allocKThread(ctx, p, body)
	if err != nil {
		k.freeProcLocked(p)
		return nil, nil, err
	}
	return p, kt, nil
}

// freeProcLocked resets a process slot to UNUSED. Caller must hold p.lock.
// Mirrors freeproc: tear down the page table, release open files and cwd,
// clear identity fields. Assumes every kthread slot has already been freed
// by freeKThreadLocked.
func (k *Kernel) freeProcLocked(p *Proc) {
	if p.pagetable != nil {
		p.pagetable.Destroy(context.Background(), k.mem)
		p.pagetable = nil
	}
	for i := range p.ofile {
		p.ofile[i] = fs.OpenFile{}
	}
	p.cwd = fs.Inode{}
	p.name = ""
	p.pid = 0
	p.exitCode = 0
	p.killed.Store(false)
	p.parent.Store(nil)
	p.state = PUnused
}

// reparent gives every child of p to the init process, the same pass
// exit() makes over the whole table under wait_lock before it lets p
// become a ZOMBIE, so no child is ever left pointing at a vanished parent.
// Caller must hold k.procLock. Wakes init once per reparented child, since
// init may already be blocked in its own Wait loop with nothing left to
// reap until one of these orphans shows up.
func (k *Kernel) reparent(ctx context.Context, p *Proc) {
	initProc := k.initProc.Load()
	for i := range k.procs {
		child := &k.procs[i]
		if child == p {
			continue
		}
		if child.parent.Load() == p {
			child.parent.Store(initProc)
			k.Wakeup(ctx, initProc)
		}
	}
}

// GrowProc changes a process's address space size by n bytes (positive to
// grow, negative to shrink), mirroring growproc's contract: callers hold no
// lock on entry, since GrowProc takes p.lock itself.
func (k *Kernel) GrowProc(ctx context.Context, p *Proc, n int64) error {
	id := lockIdentity(ctx)
	p.lock.Acquire(id)
	defer p.lock.Release(id)

	oldSize := p.pagetable.Size()

	if n > 0 {
		pages := (uint64(n) + mm.PageSize - 1) / mm.PageSize
		allocated := make([]uint64, 0, pages)
		for i := uint64(0); i < pages; i++ {
			pa, err := k.mem.Alloc(ctx)
			if err != nil {
				for _, va := range allocated {
					_ = p.pagetable.Unmap(ctx, va, 1, true, k.mem)
				}
				return err
			}
			va := oldSize + i*mm.PageSize
			if err := p.pagetable.Map(ctx, va, []mm.PhysAddr{pa}, mm.PermRead|mm.PermWrite|mm.PermUser); err != nil {
				k.mem.Free(ctx, pa)
				return err
			}
			allocated = append(allocated, va)
		}
		return nil
	}

	if n < 0 {
		shrink := uint64(-n)
		if shrink > oldSize {
			shrink = oldSize
		}
		pages := shrink / mm.PageSize
		if pages == 0 {
			return nil
		}
		base := oldSize - pages*mm.PageSize
		return p.pagetable.Unmap(ctx, base, int(pages), true, k.mem)
	}

	return nil
}
