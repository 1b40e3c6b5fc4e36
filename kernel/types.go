package kernel

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gokernel-labs/rv64proc/fs"
	"github.com/gokernel-labs/rv64proc/mm"
	"github.com/gokernel-labs/rv64proc/spinlock"
)

// ProcState is the lifecycle state of a process-table slot (component C).
type ProcState int

const (
	PUnused ProcState = iota
	PUsed
	PZombie
)

func (s ProcState) String() string {
	switch s {
	case PUnused:
		return "unused"
	case PUsed:
		return "used"
	case PZombie:
		return "zombie"
	default:
		return "???"
	}
}

// KTState is the lifecycle state of a kernel-thread-table slot (component D).
type KTState int

const (
	KTUnused KTState = iota
	KTUsed
	KTRunnable
	KTRunning
	KTSleeping
	KTZombie
)

func (s KTState) String() string {
	switch s {
	case KTUnused:
		return "unused"
	case KTUsed:
		return "used"
	case KTRunnable:
		return "runnable"
	case KTRunning:
		return "running"
	case KTSleeping:
		return "sleeping"
	case KTZombie:
		return "zombie"
	default:
		return "???"
	}
}

// ThreadFunc is the body a kernel thread runs once dispatched. It receives
// a context carrying the thread's own identity (MyCPU/MyProc/MyKThread all
// resolve inside it) and must return when the thread's work is done; the
// kernel arranges the KThreadExit bookkeeping that follows a natural return
// the same way it does for an explicit KThreadExit call.
type ThreadFunc func(ctx context.Context)

// Proc is one process-table slot. Fields under lock must only be touched
// with lock held; fields marked immutable-after-alloc are safe to read
// without it once a goroutine has observed the slot in PUsed or later
// (exactly the discipline proc.c documents for struct proc).
type Proc struct {
	lock *spinlock.Lock

	// under lock
	state    ProcState
	killed   atomic.Bool // Band 3: cooperative cancellation, not an error
	exitCode int
	parent   atomic.Pointer[Proc]
	nextTID  uint64 // next kthread tid to assign within this process (component B)

	// immutable after allocation, until the slot is freed
	pid  uint64
	name string

	// external collaborators (component C's contracts)
	pagetable mm.PageTable
	ofile     [NOFile]fs.OpenFile
	cwd       fs.Inode

	threads [NKT]KThread
}

// Pid returns the process's pid. Safe to call without p.lock: pid is set
// once at allocation and never changes until the slot is freed.
func (p *Proc) Pid() uint64 { return p.pid }

// Name returns the process's name, set once at allocation.
func (p *Proc) Name() string { return p.name }

// State returns the process's current lifecycle state. Racy with a
// concurrent state transition unless the caller holds p.lock itself;
// intended for debug/display use (procdump, tests), not synchronization.
func (p *Proc) State() ProcState { return p.state }

// Size returns the process's current user address-space size in bytes, as
// last left by GrowProc (mirrors reading p->sz).
func (p *Proc) Size() uint64 { return p.pagetable.Size() }

// KThread is one kernel-thread-table slot, always owned by exactly one Proc
// slot at the same table index convention the spec describes (component D).
type KThread struct {
	lock *spinlock.Lock

	// under lock
	state   KTState
	tid     uint64
	xstate  int // exit status passed to kthread_exit, valid once state == KTZombie
	chanKey any // the address/value being slept on, compared with ==
	killed  atomic.Bool

	proc atomic.Pointer[Proc]
	cpu  atomic.Pointer[CPU] // which CPU is currently running/ran this thread

	// swtch, reimagined: a spawned-once goroutine per occupancy of this
	// slot blocks on resume until the scheduler hands it the CPU, and
	// signals parked when it gives the CPU back up (component F). Both
	// channels are recreated each time the slot transitions UNUSED->USED
	// so a stale sender from a prior occupant can never affect the next.
	resume chan *CPU
	parked chan struct{}

	body ThreadFunc

	kstack [KSTACK]byte // sized for a test to assert on, never indexed
}

// Tid returns the kernel thread's tid, set once at allocation.
func (kt *KThread) Tid() uint64 { return kt.tid }

// State returns the thread's current lifecycle state. Racy with a
// concurrent state transition unless the caller holds kt.lock itself;
// intended for debug/display use (procdump, tests), not synchronization.
func (kt *KThread) State() KTState { return kt.state }

// Kernel owns every fixed-capacity table and per-CPU scheduler in the
// system; there is exactly one per simulated machine (component B/C/E/F).
type Kernel struct {
	Log *logrus.Logger

	procLock *spinlock.Lock // wait_lock: guards parent/children traversal
	pidLock  *spinlock.Lock

	nextPID atomic.Uint64

	procs [NProc]Proc
	cpus  [NCPU]*CPU

	mem    mm.PageAllocator
	memRaw mm.Memory
	fs     fs.FS

	initProc atomic.Pointer[Proc]

	stop atomic.Bool
}

const (
	// NProc is the fixed capacity of the process table.
	NProc = 64
	// NKT is the fixed number of kernel-thread slots per process.
	NKT = 8
	// NOFile is the fixed number of open-file slots per process.
	NOFile = 16
	// NCPU is the maximum number of simulated logical CPUs Boot accepts.
	NCPU = 8
	// KSTACK is a nominal per-thread kernel stack size, retained purely so
	// tests can assert a slot's backing storage has the expected shape;
	// no code ever indexes into it, since this translation has no
	// register-level stack to lay out (see SPEC_FULL.md component D).
	KSTACK = 4096
)
