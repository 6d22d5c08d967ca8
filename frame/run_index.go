package frame

import (
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/achlys-os/kmem"
)

// maxOrder bounds the buddy order of a free run. Order 47 covers runs of up
// to 2^48 frames, far beyond any physical address space this kernel targets.
const maxOrder = 48

var runPool = sync.Pool{
	New: func() any {
		return &freeRun{}
	},
}

// freeRun is one maximal run of physically contiguous free frames. Runs are
// threaded onto segregated free lists indexed by buddy order
// (floor(log2(count))), so a contiguous request of n frames only ever
// inspects lists that can actually hold a run of length >= n.
type freeRun struct {
	first kmem.Frame
	count int

	prevFree *freeRun
	nextFree *freeRun
}

func (r *freeRun) last() kmem.Frame {
	return r.first + kmem.Frame(r.count) - 1
}

// runOrder computes the buddy order of a run of the given frame count.
func runOrder(count int) int {
	order := bits.Len64(uint64(count)) - 1
	if order > maxOrder {
		order = maxOrder
	}
	return order
}

// runIndex is the buddy-order index over all free runs, paired with an edge
// map from run boundary frames to run nodes so that a freed frame can find
// and coalesce with its neighbors in O(1).
type runIndex struct {
	freeLists [maxOrder + 1]*freeRun
	orderMask uint64
	edges     *swiss.Map[kmem.Frame, *freeRun]
}

func newRunIndex(capacityHint int) *runIndex {
	return &runIndex{
		edges: swiss.NewMap[kmem.Frame, *freeRun](uint32(capacityHint)),
	}
}

func (idx *runIndex) insert(run *freeRun) {
	order := runOrder(run.count)

	run.prevFree = nil
	run.nextFree = idx.freeLists[order]
	if run.nextFree != nil {
		run.nextFree.prevFree = run
	}
	idx.freeLists[order] = run
	idx.orderMask |= uint64(1) << order

	idx.edges.Put(run.first, run)
	idx.edges.Put(run.last(), run)
}

func (idx *runIndex) remove(run *freeRun) {
	order := runOrder(run.count)

	if run.prevFree != nil {
		run.prevFree.nextFree = run.nextFree
	} else {
		idx.freeLists[order] = run.nextFree
		if run.nextFree == nil {
			idx.orderMask &^= uint64(1) << order
		}
	}
	if run.nextFree != nil {
		run.nextFree.prevFree = run.prevFree
	}
	run.prevFree = nil
	run.nextFree = nil

	idx.edges.Delete(run.first)
	idx.edges.Delete(run.last())
}

// runEndingAt returns the free run whose last frame is f, if one exists.
func (idx *runIndex) runEndingAt(f kmem.Frame) *freeRun {
	run, ok := idx.edges.Get(f)
	if !ok || run.last() != f {
		return nil
	}
	return run
}

// runStartingAt returns the free run whose first frame is f, if one exists.
func (idx *runIndex) runStartingAt(f kmem.Frame) *freeRun {
	run, ok := idx.edges.Get(f)
	if !ok || run.first != f {
		return nil
	}
	return run
}

// takeFromFront removes count frames from the front of the run, returning
// the first taken frame. The remainder, if any, is reinserted at its new
// order; otherwise the node returns to the pool.
func (idx *runIndex) takeFromFront(run *freeRun, count int) kmem.Frame {
	first := run.first
	idx.remove(run)

	if run.count > count {
		run.first += kmem.Frame(count)
		run.count -= count
		idx.insert(run)
	} else {
		releaseRun(run)
	}

	return first
}

// shortestAvailable returns a free run of at least count frames, or nil if
// no such run exists. It scans the run's own order list first, since runs of
// length >= count may share that order with shorter runs, then takes the head
// of the next populated order, where every run is long enough.
func (idx *runIndex) shortestAvailable(count int) *freeRun {
	startOrder := runOrder(count)

	if idx.orderMask&(uint64(1)<<startOrder) != 0 {
		for run := idx.freeLists[startOrder]; run != nil; run = run.nextFree {
			if run.count >= count {
				return run
			}
		}
	}

	higherOrders := idx.orderMask &^ ((uint64(1) << (startOrder + 1)) - 1)
	if higherOrders == 0 {
		return nil
	}

	return idx.freeLists[bits.TrailingZeros64(higherOrders)]
}

func acquireRun(first kmem.Frame, count int) *freeRun {
	run := runPool.Get().(*freeRun)
	run.first = first
	run.count = count
	run.prevFree = nil
	run.nextFree = nil
	return run
}

func releaseRun(run *freeRun) {
	runPool.Put(run)
}
