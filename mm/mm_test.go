package mm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel-labs/rv64proc/mm"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	arena := mm.NewByteArena(4)
	alloc := mm.NewBitmapAllocator(4, arena)
	ctx := context.Background()

	pa, err := alloc.Alloc(ctx)
	require.NoError(t, err)
	alloc.Free(ctx, pa)

	pa2, err := alloc.Alloc(ctx)
	require.NoError(t, err)
	assert.Equal(t, pa, pa2, "freed page should be the next one handed out again")
}

func TestAllocExhaustionReturnsOOM(t *testing.T) {
	arena := mm.NewByteArena(2)
	alloc := mm.NewBitmapAllocator(2, arena)
	ctx := context.Background()

	_, err := alloc.Alloc(ctx)
	require.NoError(t, err)
	_, err = alloc.Alloc(ctx)
	require.NoError(t, err)

	_, err = alloc.Alloc(ctx)
	assert.ErrorIs(t, err, mm.ErrOOM)
}

func TestFreeUnallocatedPanics(t *testing.T) {
	arena := mm.NewByteArena(2)
	alloc := mm.NewBitmapAllocator(2, arena)
	assert.Panics(t, func() { alloc.Free(context.Background(), 0) })
}

func TestSimTableMapTranslateUnmap(t *testing.T) {
	ctx := context.Background()
	arena := mm.NewByteArena(4)
	alloc := mm.NewBitmapAllocator(4, arena)
	table := mm.NewSimTable()

	pa, err := alloc.Alloc(ctx)
	require.NoError(t, err)
	require.NoError(t, table.Map(ctx, 0, []mm.PhysAddr{pa}, mm.PermRead|mm.PermWrite))

	got, perm, ok := table.Translate(ctx, 0)
	require.True(t, ok)
	assert.Equal(t, pa, got)
	assert.Equal(t, mm.PermRead|mm.PermWrite, perm)
	assert.Equal(t, uint64(mm.PageSize), table.Size())

	require.NoError(t, table.Unmap(ctx, 0, 1, true, alloc))
	_, _, ok = table.Translate(ctx, 0)
	assert.False(t, ok)
}

func TestSimTableMapRejectsDoubleMapping(t *testing.T) {
	ctx := context.Background()
	arena := mm.NewByteArena(4)
	alloc := mm.NewBitmapAllocator(4, arena)
	table := mm.NewSimTable()

	pa, _ := alloc.Alloc(ctx)
	require.NoError(t, table.Map(ctx, 0, []mm.PhysAddr{pa}, mm.PermRead))

	pa2, _ := alloc.Alloc(ctx)
	err := table.Map(ctx, 0, []mm.PhysAddr{pa2}, mm.PermRead)
	assert.Error(t, err)
}

func TestForkCopiesBytesNotPages(t *testing.T) {
	ctx := context.Background()
	arena := mm.NewByteArena(8)
	alloc := mm.NewBitmapAllocator(8, arena)

	parent := mm.NewSimTable()
	pa, err := alloc.Alloc(ctx)
	require.NoError(t, err)
	require.NoError(t, parent.Map(ctx, 0, []mm.PhysAddr{pa}, mm.PermRead|mm.PermWrite))

	payload := []byte("hello, child")
	_, err = arena.WriteAt(pa, 0, payload)
	require.NoError(t, err)

	child := mm.NewSimTable()
	require.NoError(t, parent.Fork(ctx, child, alloc, arena))

	childPA, _, ok := child.Translate(ctx, 0)
	require.True(t, ok)
	assert.NotEqual(t, pa, childPA, "fork must allocate a distinct physical page")

	got := make([]byte, len(payload))
	_, err = arena.ReadAt(childPA, 0, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// mutating the parent's page must not affect the child's copy
	_, err = arena.WriteAt(pa, 0, []byte("tampered!!!!"))
	require.NoError(t, err)
	_, err = arena.ReadAt(childPA, 0, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
