package fs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSLockAllowsConcurrentReaders(t *testing.T) {
	l := NewPathLock()
	l.SLock()
	done := make(chan struct{})
	go func() {
		l.SLock()
		l.SUnlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second SLock blocked behind a held SLock")
	}
	l.SUnlock()
}

func TestXLockExcludesReaders(t *testing.T) {
	l := NewPathLock()
	l.XLock()
	acquired := make(chan struct{})
	go func() {
		l.SLock()
		close(acquired)
		l.SUnlock()
	}()
	select {
	case <-acquired:
		t.Fatal("SLock proceeded while XLock was held")
	case <-time.After(50 * time.Millisecond):
	}
	l.XUnlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("SLock never woke up after XUnlock")
	}
}

func TestISCompatibleWithS(t *testing.T) {
	l := NewPathLock()
	l.SLock()
	done := make(chan struct{})
	go func() {
		l.ISLock()
		l.ISUnlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ISLock blocked behind a directory held S, for a walk passing through it")
	}
	l.SUnlock()
}

func TestIXExcludesS(t *testing.T) {
	l := NewPathLock()
	l.IXLock()
	acquired := make(chan struct{})
	go func() {
		l.SLock()
		close(acquired)
		l.SUnlock()
	}()
	select {
	case <-acquired:
		t.Fatal("SLock proceeded while IXLock was held")
	case <-time.After(50 * time.Millisecond):
	}
	l.IXUnlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("SLock never woke up after IXUnlock")
	}
}

// TestConcurrentWritesAreLinearized plays the role the teacher's
// testNonDecreasing benchmark does: every writer takes IX on a shared parent
// directory and X on the leaf below it, the way walkLock does for a write,
// and appends to a slice inside its X critical section; every writer must
// get through and the result must come out nondecreasing.
func TestConcurrentWritesAreLinearized(t *testing.T) {
	const writers = 32
	parent := NewPathLock()
	l := NewPathLock()
	var mu sync.Mutex
	var seen []int

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			parent.IXLock()
			l.XLock()
			mu.Lock()
			seen = append(seen, len(seen))
			mu.Unlock()
			l.XUnlock()
			parent.IXUnlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, writers)
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i-1], seen[i])
	}
}
