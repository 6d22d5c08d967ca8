package heap

import (
	"math/bits"
	"sync"
)

// maxOrder bounds the segregated free-list order. Order 40 covers blocks of
// up to a terabyte, far beyond any early-kernel heap.
const maxOrder = 40

var blockPool = sync.Pool{
	New: func() any {
		return &heapBlock{}
	},
}

// heapBlock is one contiguous byte range of the arena, either a live
// allocation or a free gap. Blocks form a doubly linked physical chain
// ordered by offset; free blocks are additionally threaded onto segregated
// free lists by order.
type heapBlock struct {
	offset int
	size   int

	prevPhys *heapBlock
	nextPhys *heapBlock

	prevFree *heapBlock
	nextFree *heapBlock
}

// Free-list membership doubles as the allocation marker: a taken block
// points prevFree at itself, which no free-list link ever does.
func (b *heapBlock) MarkTaken() {
	b.prevFree = b
}

func (b *heapBlock) MarkFree() {
	b.prevFree = nil
}

func (b *heapBlock) IsFree() bool {
	return b.prevFree != b
}

func (b *heapBlock) end() int {
	return b.offset + b.size
}

// blockOrder computes the segregated-list order for a block size.
func blockOrder(size int) int {
	order := bits.Len64(uint64(size)) - 1
	if order > maxOrder {
		order = maxOrder
	}
	return order
}

func acquireBlock(offset, size int) *heapBlock {
	b := blockPool.Get().(*heapBlock)
	b.offset = offset
	b.size = size
	b.prevPhys = nil
	b.nextPhys = nil
	b.prevFree = nil
	b.nextFree = nil
	return b
}

func releaseBlock(b *heapBlock) {
	blockPool.Put(b)
}
