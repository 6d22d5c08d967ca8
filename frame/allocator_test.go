package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/achlys-os/kmem"
	"github.com/achlys-os/kmem/frame"
	"github.com/achlys-os/kmem/uefi"
)

func usableRegion(start uint64, frames int) uefi.Region {
	return uefi.Region{
		Start: start,
		Size:  uint64(frames) << kmem.PageShift,
		Kind:  uefi.RegionUsable,
	}
}

func TestAllocatorExhaustsSixteenFrames(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x100000, 16)}, nil, frame.Config{})
	require.NoError(t, err)
	require.Equal(t, 16, a.FreeFrames())
	require.Equal(t, 16, a.TotalFrames())

	seen := make(map[kmem.Frame]bool)
	for i := 0; i < 16; i++ {
		f, err := a.Allocate()
		require.NoError(t, err)
		require.True(t, f.Valid())
		require.False(t, seen[f], "frame %#x handed out twice", f.Address())
		seen[f] = true
	}

	require.Equal(t, 0, a.FreeFrames())

	_, err = a.Allocate()
	require.ErrorIs(t, err, kmem.ErrOutOfFrames)

	require.NoError(t, a.Validate())
}

func TestAllocatorConservation(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x0, 32)}, nil, frame.Config{})
	require.NoError(t, err)

	frames := make([]kmem.Frame, 0, 10)
	for i := 0; i < 10; i++ {
		f, err := a.Allocate()
		require.NoError(t, err)
		frames = append(frames, f)
	}

	for _, f := range frames[:4] {
		require.NoError(t, a.Deallocate(f))
	}

	// 32 initial - (10 allocations - 4 deallocations)
	require.Equal(t, 26, a.FreeFrames())
	require.NoError(t, a.Validate())
}

func TestAllocatorReusesFreedFrame(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x0, 4)}, nil, frame.Config{})
	require.NoError(t, err)

	frames := make([]kmem.Frame, 4)
	for i := range frames {
		frames[i], err = a.Allocate()
		require.NoError(t, err)
	}

	require.NoError(t, a.Deallocate(frames[2]))

	f, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, frames[2], f)
}

func TestAllocatorDoubleFree(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x0, 4)}, nil, frame.Config{})
	require.NoError(t, err)

	f, err := a.Allocate()
	require.NoError(t, err)

	require.NoError(t, a.Deallocate(f))

	err = a.Deallocate(f)
	require.ErrorIs(t, err, kmem.ErrDoubleFree)

	// A frame outside every managed region is the same class of error.
	err = a.Deallocate(kmem.FrameFromAddress(0xdead0000))
	require.ErrorIs(t, err, kmem.ErrDoubleFree)

	require.NoError(t, a.Validate())
}

func TestAllocatorReservedRanges(t *testing.T) {
	region := usableRegion(0x0, 16)

	// The reserved range is deliberately not page-aligned; it touches
	// frames 3 and 4 and both must be withheld.
	reserved := []frame.Range{{Start: 0x3800, Size: 0x1000}}

	a, err := frame.New([]uefi.Region{region}, reserved, frame.Config{})
	require.NoError(t, err)
	require.Equal(t, 14, a.FreeFrames())

	for i := 0; i < 14; i++ {
		f, err := a.Allocate()
		require.NoError(t, err)
		require.NotEqual(t, kmem.Frame(3), f)
		require.NotEqual(t, kmem.Frame(4), f)
	}

	_, err = a.Allocate()
	require.ErrorIs(t, err, kmem.ErrOutOfFrames)
}

func TestAllocatorInsufficientMemory(t *testing.T) {
	_, err := frame.New([]uefi.Region{
		{Start: 0x0, Size: 0x10000, Kind: uefi.RegionReserved},
	}, nil, frame.Config{})
	require.ErrorIs(t, err, kmem.ErrInsufficientMemory)

	_, err = frame.New(
		[]uefi.Region{usableRegion(0x0, 16)},
		[]frame.Range{{Start: 0x0, Size: 16 * 0x1000}},
		frame.Config{})
	require.ErrorIs(t, err, kmem.ErrInsufficientMemory)
}

func TestAllocateContiguous(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x100000, 16)}, nil, frame.Config{})
	require.NoError(t, err)

	frames := make([]kmem.Frame, 16)
	for i := range frames {
		frames[i], err = a.Allocate()
		require.NoError(t, err)
	}

	// Free scattered single frames plus one run of four.
	for _, i := range []int{2, 4, 6} {
		require.NoError(t, a.Deallocate(frames[i]))
	}
	for _, i := range []int{8, 9, 10, 11} {
		require.NoError(t, a.Deallocate(frames[i]))
	}
	require.Equal(t, 7, a.FreeFrames())
	require.NoError(t, a.Validate())

	// Only the four-frame run can serve this; the result must be exactly
	// that run, never a scattered set.
	base, err := a.AllocateContiguous(4)
	require.NoError(t, err)
	require.Equal(t, frames[8], base)
	require.Equal(t, 3, a.FreeFrames())

	// Three frames remain free but no run of three exists.
	_, err = a.AllocateContiguous(3)
	require.ErrorIs(t, err, kmem.ErrOutOfFrames)

	// Single-frame requests still succeed.
	_, err = a.AllocateContiguous(1)
	require.NoError(t, err)

	_, err = a.AllocateContiguous(0)
	require.Error(t, err)

	require.NoError(t, a.Validate())
}

func TestAllocatorCoalescesFreedRuns(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x0, 8)}, nil, frame.Config{})
	require.NoError(t, err)

	frames := make([]kmem.Frame, 8)
	for i := range frames {
		frames[i], err = a.Allocate()
		require.NoError(t, err)
	}

	// Free out of order; the frames must still coalesce into one run that
	// can serve a full-width contiguous request.
	for _, i := range []int{3, 1, 2, 0, 7, 5, 6, 4} {
		require.NoError(t, a.Deallocate(frames[i]))
	}
	require.NoError(t, a.Validate())

	base, err := a.AllocateContiguous(8)
	require.NoError(t, err)
	require.Equal(t, kmem.Frame(0), base)
}

func TestAllocatorMaxPhysicalAddress(t *testing.T) {
	// A region straddling the cap is truncated, one fully beyond it is
	// dropped.
	straddling := usableRegion(frame.DefaultMaxPhysicalAddress-2*kmem.PageSize, 4)
	beyond := usableRegion(frame.DefaultMaxPhysicalAddress+0x100000, 16)

	a, err := frame.New([]uefi.Region{straddling, beyond}, nil, frame.Config{})
	require.NoError(t, err)
	require.Equal(t, 2, a.TotalFrames())

	_, err = frame.New([]uefi.Region{beyond}, nil, frame.Config{})
	require.ErrorIs(t, err, kmem.ErrInsufficientMemory)
}

func TestAllocatorStatistics(t *testing.T) {
	a, err := frame.New([]uefi.Region{usableRegion(0x0, 16)}, nil, frame.Config{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = a.Allocate()
		require.NoError(t, err)
	}

	var stats kmem.Statistics
	a.AddStatistics(&stats)
	require.Equal(t, kmem.Statistics{
		RegionCount:     1,
		AllocationCount: 3,
		RegionSize:      16,
		AllocationSize:  3,
	}, stats)

	var detailed kmem.DetailedStatistics
	detailed.Clear()
	a.AddDetailedStatistics(&detailed)
	require.Equal(t, 1, detailed.FreeRangeCount)
	require.Equal(t, 13, detailed.FreeRangeSizeMin)
	require.Equal(t, 13, detailed.FreeRangeSizeMax)
}
