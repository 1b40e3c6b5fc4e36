// Package mm simulates the parts of the memory manager that the process
// table depends on without modelling real physical RAM or a hardware page
// table: a page allocator callers can grow/shrink a process's image
// against, and a page table abstraction that proc_pagetable/proc_free
// pagetable create and tear down. Everything here is in-memory bookkeeping,
// the same simulate-don't-emulate stance this module takes on the kernel
// stack in KSTACK.
package mm

import "context"

// PhysAddr is a simulated physical page number, not a real address.
type PhysAddr uint64

// PageSize matches RISC-V's 4KiB page, kept only so size arithmetic in
// GrowProc reads the way the original kernel's does.
const PageSize = 4096

// Perm is a bitmask of the permission bits a mapping carries.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
)

// PageAllocator hands out and reclaims simulated physical pages. A real
// implementation would manage a free list carved out of RAM; this one just
// needs to guarantee an address is never handed out twice while in use.
type PageAllocator interface {
	Alloc(ctx context.Context) (PhysAddr, error)
	Free(ctx context.Context, pa PhysAddr)
}

// PageTable is a per-process virtual-to-physical mapping. Real page tables
// walk radix trees of PTEs; SimTable (in pagetable.go) just keeps a map,
// which is enough to let CopyIn/CopyOut and GrowProc exercise the same
// contract a hardware walk would.
type PageTable interface {
	// Map installs a mapping for the page containing va, sized npages
	// pages, returning an error if any page in the range is already
	// mapped (mirrors mappages' EEXIST-equivalent failure in the
	// original, which growproc/userinit treat as allocation failure).
	Map(ctx context.Context, va uint64, pages []PhysAddr, perm Perm) error
	// Unmap removes npages pages starting at va, freeing the backing
	// physical pages through alloc if freePhys is set (mirrors uvmunmap's
	// do_free parameter).
	Unmap(ctx context.Context, va uint64, npages int, freePhys bool, alloc PageAllocator) error
	// Translate resolves va to its backing physical page and permission,
	// or ok=false if unmapped — the lookup CopyIn/CopyOut need.
	Translate(ctx context.Context, va uint64) (pa PhysAddr, perm Perm, ok bool)
	// Size reports the highest mapped address plus one page, the value
	// growproc/exec update and procdump could report.
	Size() uint64
	// Destroy releases every mapping and its backing pages, called by
	// proc_freepagetable once a process's last thread has exited.
	Destroy(ctx context.Context, alloc PageAllocator)
	// Fork duplicates every mapping into dst on freshly allocated physical
	// pages with identical byte content, mirroring uvmcopy's page-for-page
	// copy semantics for the child half of a fork.
	Fork(ctx context.Context, dst PageTable, alloc PageAllocator, mem Memory) error
}

// Memory is the raw byte-addressable backing store CopyIn/CopyOut read and
// write through, once a PageTable has translated a virtual address.
type Memory interface {
	ReadAt(pa PhysAddr, off int, p []byte) (int, error)
	WriteAt(pa PhysAddr, off int, p []byte) (int, error)
}
