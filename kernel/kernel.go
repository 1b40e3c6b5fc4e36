package kernel

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gokernel-labs/rv64proc/fs"
	"github.com/gokernel-labs/rv64proc/mm"
	"github.com/gokernel-labs/rv64proc/spinlock"
)

// New constructs a Kernel with every process/kthread slot in its UNUSED
// state, wired to the given memory and filesystem collaborators. Log
// defaults to logrus.StandardLogger() if nil is passed; callers that want
// structured fields on every line (component I) should pass their own
// *logrus.Logger preconfigured with a JSON or text formatter.
func New(mem mm.PageAllocator, memRaw mm.Memory, filesystem fs.FS, log *logrus.Logger) *Kernel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	k := &Kernel{
		Log:      log,
		procLock: spinlock.New("wait_lock"),
		pidLock:  spinlock.New("pid_lock"),
		mem:      mem,
		memRaw:   memRaw,
		fs:       filesystem,
	}
	for i := range k.procs {
		p := &k.procs[i]
		p.lock = spinlock.New(fmt.Sprintf("proc[%d]", i))
		for j := range p.threads {
			kt := &p.threads[j]
			kt.lock = spinlock.New(fmt.Sprintf("proc[%d].kthread[%d]", i, j))
		}
	}
	return k
}

// Boot starts nCPU scheduler loops and spawns the init process running
// initBody as its sole kernel thread (component E's userinit, generalized
// so callers supply whatever the "first program" should be rather than
// this module hardcoding a userspace image it can't actually load).
// Boot returns once every scheduler loop is running; it does not block
// until they stop. Call Shutdown to stop them.
func (k *Kernel) Boot(ctx context.Context, nCPU int, initBody ThreadFunc) (*Proc, error) {
	if nCPU <= 0 || nCPU > NCPU {
		return nil, fmt.Errorf("kernel: boot: nCPU must be in (0, %d], got %d", NCPU, nCPU)
	}

	p, kt, err := k.allocProc(ctx, "init", initBody)
	if err != nil {
		return nil, err
	}
	p.cwd = k.fs.Root()
	k.initProc.Store(p)

	for i := 0; i < nCPU; i++ {
		c := newCPU(i)
		k.cpus[i] = c
		go k.schedulerLoop(withCPU(ctx, c), c)
	}

	p.lock.Acquire(bootIdentity)
	kt.lock.Acquire(bootIdentity)
	kt.state = KTRunnable
	kt.lock.Release(bootIdentity)
	p.lock.Release(bootIdentity)

	k.Log.WithFields(logrus.Fields{"pid": p.pid, "tid": kt.tid}).Info("kernel: booted init process")
	return p, nil
}

// Shutdown asks every scheduler loop to stop picking up new work once its
// current thread (if any) yields or exits. It does not forcibly kill
// running threads; callers that want a clean stop should Kill/KThreadKill
// everything first.
func (k *Kernel) Shutdown() {
	k.stop.Store(true)
}
