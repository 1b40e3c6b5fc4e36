package mm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrOOM is returned when the allocator has no free pages left, the
// simulated analogue of kalloc returning 0.
var ErrOOM = errors.New("mm: out of memory")

// BitmapAllocator is a fixed-capacity PageAllocator backed by a plain
// sync.Mutex rather than spinlock.Lock. Allocation here can legitimately
// block on contention for longer than the handful-of-field-writes budget a
// spinning lock is meant for (each Alloc zeroes a whole page of the backing
// ByteArena), so
// this is one of the few places this module intentionally reaches for the
// standard library's blocking mutex instead of the pack's spinning one —
// see DESIGN.md.
type BitmapAllocator struct {
	mu       sync.Mutex
	used     []bool
	npages   int
	arena    *ByteArena
}

// NewBitmapAllocator returns an allocator managing npages simulated pages,
// backed by arena for the actual byte storage CopyIn/CopyOut touch.
func NewBitmapAllocator(npages int, arena *ByteArena) *BitmapAllocator {
	return &BitmapAllocator{
		used:   make([]bool, npages),
		npages: npages,
		arena:  arena,
	}
}

func (a *BitmapAllocator) Alloc(ctx context.Context) (PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, inUse := range a.used {
		if !inUse {
			a.used[i] = true
			pa := PhysAddr(i)
			a.arena.zero(pa)
			return pa, nil
		}
	}
	return 0, ErrOOM
}

func (a *BitmapAllocator) Free(ctx context.Context, pa PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := int(pa)
	if i < 0 || i >= a.npages || !a.used[i] {
		panic(errors.Errorf("mm: free of unallocated page %d", pa))
	}
	a.used[i] = false
}

// ByteArena is the Memory implementation backing BitmapAllocator's pages:
// a flat byte slice sliced per-page, standing in for physical RAM.
type ByteArena struct {
	mu    sync.RWMutex
	bytes []byte
}

// NewByteArena allocates storage for npages pages of PageSize bytes each.
func NewByteArena(npages int) *ByteArena {
	return &ByteArena{bytes: make([]byte, npages*PageSize)}
}

func (m *ByteArena) zero(pa PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := int(pa) * PageSize
	for i := start; i < start+PageSize; i++ {
		m.bytes[i] = 0
	}
}

func (m *ByteArena) ReadAt(pa PhysAddr, off int, p []byte) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := int(pa)*PageSize + off
	if start < 0 || start+len(p) > len(m.bytes) {
		return 0, errors.Errorf("mm: read out of page bounds at %d+%d", pa, off)
	}
	return copy(p, m.bytes[start:start+len(p)]), nil
}

func (m *ByteArena) WriteAt(pa PhysAddr, off int, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := int(pa)*PageSize + off
	if start < 0 || start+len(p) > len(m.bytes) {
		return 0, errors.Errorf("mm: write out of page bounds at %d+%d", pa, off)
	}
	return copy(m.bytes[start:start+len(p)], p), nil
}
