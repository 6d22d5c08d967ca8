package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achlys-os/kmem"
	"github.com/achlys-os/kmem/frame"
	"github.com/achlys-os/kmem/heap"
	"github.com/achlys-os/kmem/kernel"
	"github.com/achlys-os/kmem/uefi"
)

func bootDescriptors() []uefi.MemoryDescriptor {
	return []uefi.MemoryDescriptor{
		{Type: uefi.ConventionalMemory, PhysicalStart: 0x0, NumberOfPages: 512},
		{Type: uefi.ReservedMemoryType, PhysicalStart: 0x200000, NumberOfPages: 16},
	}
}

func TestBootstrapSmallPages(t *testing.T) {
	ctx, err := kernel.Bootstrap(bootDescriptors(), kernel.Config{
		IdentityMapLimit:    0x10000,
		DisableHugeMappings: true,
		HeapStart:           0x40000000,
		HeapSize:            0x4000,
	})
	require.NoError(t, err)
	require.NotNil(t, ctx.Frames)
	require.NotNil(t, ctx.Pages)
	require.NotNil(t, ctx.Heap)
	require.Len(t, ctx.Regions, 2)

	// Identity-mapped pages translate to themselves.
	frameAt, err := ctx.Pages.Translate(kmem.PageFromAddress(0x8000))
	require.NoError(t, err)
	require.Equal(t, kmem.FrameFromAddress(0x8000), frameAt)

	// The heap arena sits beyond the identity map, so each of its four
	// pages got a fresh backing frame.
	require.Equal(t, uint64(0x40000000), ctx.Heap.Start())
	require.Equal(t, 0x4000, ctx.Heap.Size())
	for page := kmem.PageFromAddress(0x40000000); page < kmem.PageFromAddress(0x40004000); page++ {
		_, err := ctx.Pages.Translate(page)
		require.NoError(t, err)
	}

	// Frames consumed during bootstrap: the table root, three identity-map
	// tables, two heap branch tables, and four heap backing frames.
	require.Equal(t, 512, ctx.Frames.TotalFrames())
	require.Equal(t, 512-10, ctx.Frames.FreeFrames())

	addr, err := ctx.Heap.Alloc(128, 8)
	require.NoError(t, err)
	require.GreaterOrEqual(t, addr, ctx.Heap.Start())
	require.Zero(t, addr%8)

	require.NoError(t, ctx.Frames.Validate())
	require.NoError(t, ctx.Pages.Validate())
	require.NoError(t, ctx.Heap.Validate())
}

func TestBootstrapHugeIdentityMap(t *testing.T) {
	ctx, err := kernel.Bootstrap(bootDescriptors(), kernel.Config{
		IdentityMapLimit: 1 << 30,
	})
	require.NoError(t, err)

	// One gigabyte page covers the whole identity range: only the root and
	// one directory table were allocated.
	require.Equal(t, 512-2, ctx.Frames.FreeFrames())
	require.Equal(t, 1<<18, ctx.Pages.MappedPages())

	// The default heap arena falls inside the identity map and needed no
	// extra mappings.
	frameAt, err := ctx.Pages.Translate(kmem.PageFromAddress(heap.DefaultStart))
	require.NoError(t, err)
	require.Equal(t, kmem.FrameFromAddress(heap.DefaultStart), frameAt)

	require.NoError(t, ctx.Pages.Validate())
}

func TestBootstrapReservedRanges(t *testing.T) {
	ctx, err := kernel.Bootstrap(bootDescriptors(), kernel.Config{
		IdentityMapLimit: 1 << 30,
		Reserved: []frame.Range{
			{Start: 0x0, Size: 0x10000},
		},
	})
	require.NoError(t, err)

	// Sixteen reserved frames plus the two table frames are unavailable.
	require.Equal(t, 512-16-2, ctx.Frames.FreeFrames())
	require.NoError(t, ctx.Frames.Validate())
}

func TestBootstrapMalformedMap(t *testing.T) {
	_, err := kernel.Bootstrap(nil, kernel.Config{})
	require.ErrorIs(t, err, kmem.ErrMalformedMemoryMap)
}

func TestBootstrapInsufficientMemory(t *testing.T) {
	_, err := kernel.Bootstrap([]uefi.MemoryDescriptor{
		{Type: uefi.ReservedMemoryType, PhysicalStart: 0x0, NumberOfPages: 512},
	}, kernel.Config{IdentityMapLimit: 1 << 30})
	require.ErrorIs(t, err, kmem.ErrInsufficientMemory)
}
