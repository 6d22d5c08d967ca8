// Package frame implements the physical page frame allocator. Free frames
// are tracked two ways: a per-region allocation bitmap that is the authority
// on individual frame state (and catches double frees), and a buddy-order
// run index over maximal free runs that serves contiguous requests without
// scanning the bitmaps.
package frame

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/achlys-os/kmem"
	"github.com/achlys-os/kmem/uefi"
)

// DefaultMaxPhysicalAddress caps the physical memory the allocator manages.
// Frames beyond 4 GiB are ignored until the kernel can map them.
const DefaultMaxPhysicalAddress = uint64(1) << 32

// Config controls allocator initialization.
type Config struct {
	// Logger receives allocation traces and corruption reports. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// MaxPhysicalAddress stops the allocator from managing frames at or
	// above this physical address. Defaults to DefaultMaxPhysicalAddress.
	MaxPhysicalAddress uint64
}

// Allocator hands out physical page frames. It owns the free-frame set
// exclusively: no other component mutates frame allocation state.
//
// The allocator is not interrupt-reentrant. Interrupt handlers that may
// allocate or free frames must run with the coarse kernel critical section
// held; the internal mutex covers the hosted-test case only.
type Allocator struct {
	mu     sync.Mutex
	logger *slog.Logger

	regions []*regionFrames
	runs    *runIndex

	totalFrames int
	freeFrames  int
}

// New builds the free-frame set from the usable regions of an imported
// memory map, minus the provided reserved ranges. It returns an error
// wrapping kmem.ErrInsufficientMemory if no frame is left free.
func New(regions []uefi.Region, reserved []Range, config Config) (*Allocator, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxPhysicalAddress == 0 {
		config.MaxPhysicalAddress = DefaultMaxPhysicalAddress
	}

	a := &Allocator{
		logger: config.Logger,
	}

	for _, region := range regions {
		if region.Kind != uefi.RegionUsable || region.Start >= config.MaxPhysicalAddress {
			continue
		}

		size := region.Size
		if region.End() > config.MaxPhysicalAddress {
			size = config.MaxPhysicalAddress - region.Start
		}

		frameCount := int(size >> kmem.PageShift)
		if frameCount == 0 {
			continue
		}

		a.regions = append(a.regions, newRegionFrames(region.FirstFrame(), frameCount))
		a.totalFrames += frameCount
	}

	if a.totalFrames == 0 {
		return nil, errors.Wrap(kmem.ErrInsufficientMemory, "memory map contains no usable regions")
	}

	a.runs = newRunIndex(len(a.regions) * 2)

	for _, region := range a.regions {
		markReserved(region, reserved)
	}

	for _, region := range a.regions {
		a.freeFrames += region.freeCount
		insertFreeRuns(a.runs, region)
	}

	if a.freeFrames == 0 {
		return nil, errors.Wrapf(kmem.ErrInsufficientMemory,
			"all %d usable frames fall inside reserved ranges", a.totalFrames)
	}

	a.logger.Info("physical frame allocator initialized",
		slog.Int("Regions", len(a.regions)),
		slog.Int("TotalFrames", a.totalFrames),
		slog.Int("FreeFrames", a.freeFrames))

	return a, nil
}

// markReserved sets the allocated bit for every frame of the region that a
// reserved range touches, widening partial ranges to frame boundaries.
func markReserved(region *regionFrames, reserved []Range) {
	regionEnd := region.lastFrame().Address() + kmem.PageSize

	for _, r := range reserved {
		if r.Size == 0 || r.End() <= region.firstFrame.Address() || r.Start >= regionEnd {
			continue
		}

		first := r.firstFrame()
		if first < region.firstFrame {
			first = region.firstFrame
		}
		last := r.lastFrame()
		if last > region.lastFrame() {
			last = region.lastFrame()
		}

		for f := first; f <= last; f++ {
			if !region.isAllocated(f) {
				region.markAllocated(f)
			}
		}
	}
}

// insertFreeRuns scans the region bitmap for maximal runs of clear bits and
// inserts each into the run index.
func insertFreeRuns(runs *runIndex, region *regionFrames) {
	var (
		runStart kmem.Frame
		runLen   int
	)

	for f := region.firstFrame; f <= region.lastFrame(); f++ {
		if region.isAllocated(f) {
			if runLen > 0 {
				runs.insert(acquireRun(runStart, runLen))
				runLen = 0
			}
			continue
		}

		if runLen == 0 {
			runStart = f
		}
		runLen++
	}

	if runLen > 0 {
		runs.insert(acquireRun(runStart, runLen))
	}
}

// Allocate removes and returns one frame from the free set. It returns an
// error wrapping kmem.ErrOutOfFrames when the free set is empty.
func (a *Allocator) Allocate() (kmem.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	kmem.DebugValidate(a)

	run := a.runs.shortestAvailable(1)
	if run == nil {
		return kmem.InvalidFrame, errors.Wrap(kmem.ErrOutOfFrames, "free-frame set is empty")
	}

	frame := a.runs.takeFromFront(run, 1)
	a.regionFor(frame).markAllocated(frame)
	a.freeFrames--

	return frame, nil
}

// AllocateContiguous removes a run of count physically contiguous frames
// from the free set and returns the first frame of the run. The result is
// all-or-nothing: if no contiguous run of the requested length exists the
// call fails with kmem.ErrOutOfFrames even when enough scattered frames are
// free.
func (a *Allocator) AllocateContiguous(count int) (kmem.Frame, error) {
	if count < 1 {
		return kmem.InvalidFrame, errors.Errorf("invalid contiguous frame count: %d", count)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	kmem.DebugValidate(a)

	run := a.runs.shortestAvailable(count)
	if run == nil {
		return kmem.InvalidFrame, errors.Wrapf(kmem.ErrOutOfFrames,
			"no contiguous run of %d frames (%d frames free in total)", count, a.freeFrames)
	}

	first := a.runs.takeFromFront(run, count)

	region := a.regionFor(first)
	for f := first; f < first+kmem.Frame(count); f++ {
		region.markAllocated(f)
	}
	a.freeFrames -= count

	return first, nil
}

// Deallocate returns a frame to the free set, coalescing it with adjacent
// free runs. Freeing a frame that is already free is a programming error: it
// halts immediately in debug builds and is logged and reported with an error
// wrapping kmem.ErrDoubleFree otherwise.
func (a *Allocator) Deallocate(frame kmem.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	region := a.regionFor(frame)
	if region == nil {
		kmem.DebugFatalf("deallocate of unmanaged frame %#x", frame.Address())
		a.logger.Error("deallocate of unmanaged frame", slog.Uint64("Address", frame.Address()))
		return errors.Wrapf(kmem.ErrDoubleFree, "frame %#x is not managed by this allocator", frame.Address())
	}

	if !region.isAllocated(frame) {
		kmem.DebugFatalf("double free of frame %#x", frame.Address())
		a.logger.Error("double free of frame", slog.Uint64("Address", frame.Address()))
		return errors.Wrapf(kmem.ErrDoubleFree, "frame %#x is already free", frame.Address())
	}

	region.markFree(frame)
	a.freeFrames++

	merged := acquireRun(frame, 1)

	if frame > region.firstFrame {
		if left := a.runs.runEndingAt(frame - 1); left != nil {
			a.runs.remove(left)
			merged.first = left.first
			merged.count += left.count
			releaseRun(left)
		}
	}

	if frame < region.lastFrame() {
		if right := a.runs.runStartingAt(frame + 1); right != nil {
			a.runs.remove(right)
			merged.count += right.count
			releaseRun(right)
		}
	}

	a.runs.insert(merged)

	kmem.DebugValidate(a)

	return nil
}

// regionFor locates the region bitmap containing the frame, or nil if the
// frame lies outside every managed region.
func (a *Allocator) regionFor(frame kmem.Frame) *regionFrames {
	index := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].lastFrame() >= frame
	})
	if index == len(a.regions) || !a.regions[index].contains(frame) {
		return nil
	}
	return a.regions[index]
}

// FreeFrames returns the number of frames currently in the free set.
func (a *Allocator) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.freeFrames
}

// TotalFrames returns the number of frames the allocator manages, free or
// not.
func (a *Allocator) TotalFrames() int {
	return a.totalFrames
}

// AddStatistics sums this allocator's usage into the provided statistics
// object. Sizes are in frames.
func (a *Allocator) AddStatistics(stats *kmem.Statistics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.addStatistics(stats)
}

func (a *Allocator) addStatistics(stats *kmem.Statistics) {
	stats.RegionCount += len(a.regions)
	stats.RegionSize += a.totalFrames
	stats.AllocationCount += a.totalFrames - a.freeFrames
	stats.AllocationSize += a.totalFrames - a.freeFrames
}

// AddDetailedStatistics sums this allocator's usage, including free-run
// extents, into the provided statistics object. Sizes are in frames.
func (a *Allocator) AddDetailedStatistics(stats *kmem.DetailedStatistics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.addStatistics(&stats.Statistics)

	for order := 0; order <= maxOrder; order++ {
		for run := a.runs.freeLists[order]; run != nil; run = run.nextFree {
			stats.AddFreeRange(run.count)
		}
	}
}

// Validate performs internal consistency checks across the bitmaps and the
// run index. When the allocator is functioning correctly it cannot return an
// error. Validate does not take the allocator lock: debug builds invoke it
// from inside every mutating operation.
func (a *Allocator) Validate() error {
	var (
		runFrames     int
		bitmapsFree   int
		runsSeen      int
		edgesExpected int
	)

	for order := 0; order <= maxOrder; order++ {
		var prev *freeRun
		for run := a.runs.freeLists[order]; run != nil; run = run.nextFree {
			if run.count < 1 {
				return errors.Errorf("empty run at frame %#x in order %d list", uint64(run.first), order)
			}

			if runOrder(run.count) != order {
				return errors.Errorf("run of %d frames filed under order %d, expected %d",
					run.count, order, runOrder(run.count))
			}

			if run.prevFree != prev {
				return errors.Errorf("run at frame %#x has a broken back reference in its free list", uint64(run.first))
			}

			region := a.regionFor(run.first)
			if region == nil || !region.contains(run.last()) {
				return errors.Errorf("run [%#x +%d) is not contained in a single region", uint64(run.first), run.count)
			}

			for f := run.first; f <= run.last(); f++ {
				if region.isAllocated(f) {
					return errors.Errorf("frame %#x is in a free run but its bitmap bit is set", f.Address())
				}
			}

			if edge, ok := a.runs.edges.Get(run.first); !ok || edge != run {
				return errors.Errorf("run starting at frame %#x is missing its start edge", uint64(run.first))
			}
			if edge, ok := a.runs.edges.Get(run.last()); !ok || edge != run {
				return errors.Errorf("run ending at frame %#x is missing its end edge", uint64(run.last()))
			}

			edgesExpected++
			if run.count > 1 {
				edgesExpected++
			}

			runFrames += run.count
			runsSeen++
			prev = run
		}

		listEmpty := a.runs.freeLists[order] == nil
		maskEmpty := a.runs.orderMask&(uint64(1)<<order) == 0
		if listEmpty != maskEmpty {
			return errors.Errorf("order mask and free list disagree at order %d", order)
		}
	}

	for _, region := range a.regions {
		allocated := region.countAllocated()
		if region.frameCount-allocated != region.freeCount {
			return errors.Errorf("region at %#x tracks %d free frames but its bitmap has %d clear bits",
				region.firstFrame.Address(), region.freeCount, region.frameCount-allocated)
		}
		bitmapsFree += region.freeCount
	}

	if runFrames != a.freeFrames {
		return errors.Errorf("free runs cover %d frames but the allocator tracks %d free", runFrames, a.freeFrames)
	}

	if bitmapsFree != a.freeFrames {
		return errors.Errorf("bitmaps hold %d clear bits but the allocator tracks %d free", bitmapsFree, a.freeFrames)
	}

	if a.runs.edges.Count() != edgesExpected {
		return errors.Errorf("edge map holds %d entries, expected %d", a.runs.edges.Count(), edgesExpected)
	}

	return nil
}
