package mm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// SimTable is a map-based PageTable: va/PageSize -> mapping. It plays the
// role proc_pagetable/proc_freepagetable manage in the original, minus the
// actual radix-tree PTE walk, since this module simulates memory rather
// than emulating the RISC-V MMU (see SPEC_FULL.md component C's
// external-collaborator note).
type SimTable struct {
	mu       sync.RWMutex
	mappings map[uint64]mapping
	size     uint64
}

type mapping struct {
	pa   PhysAddr
	perm Perm
}

// NewSimTable returns an empty page table, analogous to a freshly
// allocated, zeroed top-level page directory.
func NewSimTable() *SimTable {
	return &SimTable{mappings: make(map[uint64]mapping)}
}

func pageOf(va uint64) uint64 { return va / PageSize }

func (t *SimTable) Map(ctx context.Context, va uint64, pages []PhysAddr, perm Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	base := pageOf(va)
	for i, pa := range pages {
		key := base + uint64(i)
		if _, exists := t.mappings[key]; exists {
			return errors.Errorf("mm: va %#x already mapped", key*PageSize)
		}
		t.mappings[key] = mapping{pa: pa, perm: perm}
	}
	top := (base + uint64(len(pages))) * PageSize
	if top > t.size {
		t.size = top
	}
	return nil
}

func (t *SimTable) Unmap(ctx context.Context, va uint64, npages int, freePhys bool, alloc PageAllocator) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	base := pageOf(va)
	for i := 0; i < npages; i++ {
		key := base + uint64(i)
		m, exists := t.mappings[key]
		if !exists {
			return errors.Errorf("mm: unmap of unmapped va %#x", key*PageSize)
		}
		delete(t.mappings, key)
		if freePhys {
			alloc.Free(ctx, m.pa)
		}
	}
	if top := base * PageSize; top < t.size {
		t.size = top
	}
	return nil
}

func (t *SimTable) Translate(ctx context.Context, va uint64) (PhysAddr, Perm, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mappings[pageOf(va)]
	return m.pa, m.perm, ok
}

func (t *SimTable) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

func (t *SimTable) Destroy(ctx context.Context, alloc PageAllocator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, m := range t.mappings {
		alloc.Free(ctx, m.pa)
		delete(t.mappings, key)
	}
	t.size = 0
}

// Fork duplicates t's mappings into dst, allocating a fresh physical page
// and copying its bytes for each one (uvmcopy). On any failure it unwinds
// the pages it had already allocated into dst, so a failed fork never
// leaks physical pages.
func (t *SimTable) Fork(ctx context.Context, dst PageTable, alloc PageAllocator, mem Memory) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buf := make([]byte, PageSize)
	done := make([]uint64, 0, len(t.mappings))
	for key, m := range t.mappings {
		va := key * PageSize
		newPA, err := alloc.Alloc(ctx)
		if err != nil {
			for _, doneVA := range done {
				_ = dst.Unmap(ctx, doneVA, 1, true, alloc)
			}
			return err
		}
		if _, err := mem.ReadAt(m.pa, 0, buf); err != nil {
			alloc.Free(ctx, newPA)
			for _, doneVA := range done {
				_ = dst.Unmap(ctx, doneVA, 1, true, alloc)
			}
			return err
		}
		if _, err := mem.WriteAt(newPA, 0, buf); err != nil {
			alloc.Free(ctx, newPA)
			for _, doneVA := range done {
				_ = dst.Unmap(ctx, doneVA, 1, true, alloc)
			}
			return err
		}
		if err := dst.Map(ctx, va, []PhysAddr{newPA}, m.perm); err != nil {
			alloc.Free(ctx, newPA)
			for _, doneVA := range done {
				_ = dst.Unmap(ctx, doneVA, 1, true, alloc)
			}
			return err
		}
		done = append(done, va)
	}
	return nil
}
