package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeCPU is a minimal CPUState for exercising Lock in isolation, without
// pulling in the kernel package's full CPU type.
type fakeCPU struct {
	id   int
	noff int
}

func (c *fakeCPU) ID() int { return c.id }
func (c *fakeCPU) PushOff() {
	c.noff++
}
func (c *fakeCPU) PopOff() {
	if c.noff == 0 {
		panic("pop_off: noff underflow")
	}
	c.noff--
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New("test")
	c := &fakeCPU{id: 1}

	l.Acquire(c)
	assert.True(t, l.Holding(c))
	l.Release(c)
	assert.False(t, l.Holding(c))
	assert.Equal(t, 0, c.noff)
}

func TestAcquireTwiceSameCPUPanics(t *testing.T) {
	l := New("test")
	c := &fakeCPU{id: 1}
	l.Acquire(c)
	assert.Panics(t, func() { l.Acquire(c) })
}

func TestReleaseNotHeldPanics(t *testing.T) {
	l := New("test")
	c := &fakeCPU{id: 1}
	assert.Panics(t, func() { l.Release(c) })
}

func TestReleaseWrongOwnerPanics(t *testing.T) {
	l := New("test")
	a := &fakeCPU{id: 1}
	b := &fakeCPU{id: 2}
	l.Acquire(a)
	assert.Panics(t, func() { l.Release(b) })
}

// TestSerializesConcurrentHolders is the spinlock analogue of ilock_test.go's
// testNonDecreasing benchmark: many goroutines increment a shared counter
// while holding the lock, and the final value must equal the number of
// increments with no lost updates.
func TestSerializesConcurrentHolders(t *testing.T) {
	const goroutines = 64
	const itersPerGoroutine = 200

	l := New("counter")
	var counter int
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			c := &fakeCPU{id: id}
			for i := 0; i < itersPerGoroutine; i++ {
				l.Acquire(c)
				counter++
				l.Release(c)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, goroutines*itersPerGoroutine, counter)
}
