package frame

import (
	"math/bits"

	"github.com/achlys-os/kmem"
)

// Range is a physical byte range used to describe memory that is already
// claimed before the allocator initializes: the kernel image, boot
// structures, the firmware map buffer itself.
type Range struct {
	Start uint64
	Size  uint64
}

// End returns the physical address one past the last byte of the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// firstFrame returns the first frame touched by the range, rounding down.
func (r Range) firstFrame() kmem.Frame {
	return kmem.FrameFromAddress(r.Start)
}

// lastFrame returns the last frame touched by the range, rounding up to
// cover partially-included frames.
func (r Range) lastFrame() kmem.Frame {
	return kmem.FrameFromAddress(r.End() - 1)
}

// regionFrames is the per-region allocation bitmap. One bit per frame,
// set when the frame is allocated or reserved. The bitmap is the authority
// on per-frame state; the run index only ever describes frames whose bits
// are clear.
type regionFrames struct {
	firstFrame kmem.Frame
	frameCount int
	bitmap     []uint64
	freeCount  int
}

func newRegionFrames(firstFrame kmem.Frame, frameCount int) *regionFrames {
	return &regionFrames{
		firstFrame: firstFrame,
		frameCount: frameCount,
		bitmap:     make([]uint64, (frameCount+63)/64),
		freeCount:  frameCount,
	}
}

func (r *regionFrames) lastFrame() kmem.Frame {
	return r.firstFrame + kmem.Frame(r.frameCount) - 1
}

func (r *regionFrames) contains(f kmem.Frame) bool {
	return f >= r.firstFrame && f <= r.lastFrame()
}

func (r *regionFrames) isAllocated(f kmem.Frame) bool {
	index := int(f - r.firstFrame)
	return r.bitmap[index/64]&(uint64(1)<<(index%64)) != 0
}

func (r *regionFrames) markAllocated(f kmem.Frame) {
	index := int(f - r.firstFrame)
	r.bitmap[index/64] |= uint64(1) << (index % 64)
	r.freeCount--
}

func (r *regionFrames) markFree(f kmem.Frame) {
	index := int(f - r.firstFrame)
	r.bitmap[index/64] &^= uint64(1) << (index % 64)
	r.freeCount++
}

// countAllocated recounts the set bits in the bitmap. Only used by Validate.
func (r *regionFrames) countAllocated() int {
	var count int
	for _, word := range r.bitmap {
		count += bits.OnesCount64(word)
	}
	return count
}
