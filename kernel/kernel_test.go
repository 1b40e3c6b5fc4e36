package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel-labs/rv64proc/fs"
	"github.com/gokernel-labs/rv64proc/kernel"
	"github.com/gokernel-labs/rv64proc/mm"
)

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	arena := mm.NewByteArena(2048)
	alloc := mm.NewBitmapAllocator(2048, arena)
	k := kernel.New(alloc, arena, fs.NewAferoFS(), log)
	t.Cleanup(k.Shutdown)
	return k
}

func await(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for init thread to finish")
	}
}

func TestBootStartsInitRunnable(t *testing.T) {
	k := newTestKernel(t)
	done := make(chan struct{})

	initProc, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)
	require.NotNil(t, initProc)
	assert.Equal(t, "init", initProc.Name())

	await(t, done)
}

func TestForkExitWait(t *testing.T) {
	k := newTestKernel(t)
	var (
		childPidSeen uint64
		reapedPid    uint64
		reapedStatus int
		reapedOK     bool
	)
	done := make(chan struct{})

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		child, err := k.Fork(ctx, func(ctx context.Context) {
			k.Exit(ctx, 7)
		})
		require.NoError(t, err)
		childPidSeen = child.Pid()

		reapedPid, reapedStatus, reapedOK = k.Wait(ctx)
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.True(t, reapedOK)
	assert.Equal(t, childPidSeen, reapedPid)
	assert.Equal(t, 7, reapedStatus)
}

func TestWaitReturnsFalseWithNoChildren(t *testing.T) {
	k := newTestKernel(t)
	var ok bool
	done := make(chan struct{})

	_, err := k.Boot(context.Background(), 1, func(ctx context.Context) {
		_, _, ok = k.Wait(ctx)
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.False(t, ok)
}

func TestOrphanIsReparentedToInit(t *testing.T) {
	k := newTestKernel(t)
	var (
		grandchildPid uint64
		reparentedOK  bool
	)
	done := make(chan struct{})

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		// child forks a grandchild, then exits immediately without
		// waiting for it — the grandchild becomes init's responsibility.
		child, err := k.Fork(ctx, func(ctx context.Context) {
			grandchild, err := k.Fork(ctx, func(ctx context.Context) {
				k.Exit(ctx, 3)
			})
			require.NoError(t, err)
			grandchildPid = grandchild.Pid()
			k.Exit(ctx, 0)
		})
		require.NoError(t, err)
		_ = child

		// init should be able to reap both the immediate child and,
		// once reparented, the orphaned grandchild — proving reparenting
		// actually happened rather than leaving it stuck with no parent.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pid, _, ok := k.Wait(ctx)
			if ok && pid == grandchildPid {
				reparentedOK = true
				break
			}
			if !ok {
				break
			}
		}
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.True(t, reparentedOK)
}

func TestKThreadCreateJoin(t *testing.T) {
	k := newTestKernel(t)
	var (
		joined bool
		status int
	)
	done := make(chan struct{})

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		workerDone := make(chan struct{})
		kt, err := k.KThreadCreate(ctx, func(ctx context.Context) {
			close(workerDone)
			k.KThreadExit(ctx, 7)
		})
		require.NoError(t, err)

		select {
		case <-workerDone:
		case <-time.After(2 * time.Second):
			t.Error("worker kthread never ran")
		}

		status, joined = k.KThreadJoin(ctx, kt.Tid())
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.True(t, joined)
	assert.Equal(t, 7, status, "KThreadJoin must return the value the worker passed to KThreadExit")
}

func TestKThreadJoinUnknownTidFails(t *testing.T) {
	k := newTestKernel(t)
	var joined bool
	done := make(chan struct{})

	_, err := k.Boot(context.Background(), 1, func(ctx context.Context) {
		_, joined = k.KThreadJoin(ctx, 999999)
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.False(t, joined)
}

func TestSleepWakeup(t *testing.T) {
	k := newTestKernel(t)
	done := make(chan struct{})
	var woke bool

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		chanKey := new(int)
		sleeperReady := make(chan struct{})
		sleeperAwake := make(chan struct{})

		_, err := k.KThreadCreate(ctx, func(ctx context.Context) {
			// Sleep needs a lock it releases atomically with registering
			// the sleep; SleepOn borrows the kernel's wait_lock for that,
			// so this test exercises Sleep/Wakeup through SleepOn rather
			// than through a Wait-style loop.
			close(sleeperReady)
			k.SleepOn(ctx, chanKey)
			woke = true
			close(sleeperAwake)
		})
		require.NoError(t, err)

		<-sleeperReady
		time.Sleep(20 * time.Millisecond)
		k.Wakeup(ctx, chanKey)

		select {
		case <-sleeperAwake:
		case <-time.After(2 * time.Second):
			t.Error("sleeper never woke up")
		}
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.True(t, woke)
}

func TestKillWakesSleepingThread(t *testing.T) {
	k := newTestKernel(t)
	done := make(chan struct{})
	var sawKilled bool

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		target, err := k.Fork(ctx, func(ctx context.Context) {
			k.SleepOn(ctx, new(int))
			sawKilled = kernel.Killed(ctx)
		})
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		ok := k.Kill(ctx, target.Pid())
		require.True(t, ok)

		k.Wait(ctx)
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.True(t, sawKilled)
}

func TestGrowProcRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	done := make(chan struct{})
	var before, afterGrow, afterShrink uint64

	_, err := k.Boot(context.Background(), 1, func(ctx context.Context) {
		p := kernel.MyProc(ctx)
		before = p.Size()

		const delta = int64(3 * mm.PageSize)
		require.NoError(t, k.GrowProc(ctx, p, delta))
		afterGrow = p.Size()

		require.NoError(t, k.GrowProc(ctx, p, -delta))
		afterShrink = p.Size()

		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.Equal(t, before+uint64(3*mm.PageSize), afterGrow)
	assert.Equal(t, before, afterShrink, "growproc(+k) followed by growproc(-k) must leave sz unchanged")
}

func TestProcessTableExhaustionReturnsErrNoProcSlots(t *testing.T) {
	k := newTestKernel(t)
	done := make(chan struct{})
	var lastErr error

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		// init itself already occupies one of the NProc slots; fill every
		// remaining one with a child that blocks forever so its slot is
		// never freed out from under the test.
		for i := 0; i < kernel.NProc-1; i++ {
			_, ferr := k.Fork(ctx, func(ctx context.Context) {
				k.SleepOn(ctx, new(int))
			})
			require.NoErrorf(t, ferr, "fork %d of %d should have succeeded", i+1, kernel.NProc-1)
		}

		_, lastErr = k.Fork(ctx, func(ctx context.Context) {})
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.ErrorIs(t, lastErr, kernel.ErrNoProcSlots)
}

func TestKThreadTableExhaustionReturnsErrNoKThreadSlots(t *testing.T) {
	k := newTestKernel(t)
	done := make(chan struct{})
	var lastErr error

	_, err := k.Boot(context.Background(), 2, func(ctx context.Context) {
		// the init thread itself already occupies one of the process's
		// NKT slots; fill every remaining one with a thread that blocks
		// forever so its slot is never freed out from under the test.
		for i := 0; i < kernel.NKT-1; i++ {
			_, cerr := k.KThreadCreate(ctx, func(ctx context.Context) {
				k.SleepOn(ctx, new(int))
			})
			require.NoErrorf(t, cerr, "kthread create %d of %d should have succeeded", i+1, kernel.NKT-1)
		}

		_, lastErr = k.KThreadCreate(ctx, func(ctx context.Context) {})
		close(done)
	})
	require.NoError(t, err)
	await(t, done)

	assert.ErrorIs(t, lastErr, kernel.ErrNoKThreadSlots)
}
