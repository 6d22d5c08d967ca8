// Package heap implements the kernel heap: dynamic allocation for kernel
// data structures out of a fixed virtual arena. The arena is pre-mapped by
// kernel init through the page-table manager; this package is pure
// bookkeeping over the arena's byte range and never touches the memory
// itself. The heap does not grow: a static arena is an explicit
// simplification at this stage of the kernel.
package heap

import (
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/achlys-os/kmem"
)

const (
	// DefaultStart is the default virtual base of the heap arena, 8 MiB.
	DefaultStart = uint64(0x00800000)

	// DefaultSize is the default arena size, 100 KiB.
	DefaultSize = 100 * 1024
)

// Config controls heap initialization.
type Config struct {
	// Logger receives allocation traces. Defaults to slog.Default.
	Logger *slog.Logger

	// Start is the virtual address of the first byte of the arena. The
	// caller must have mapped [Start, Start+Size) before the heap hands out
	// addresses. Defaults to DefaultStart.
	Start uint64

	// Size is the arena size in bytes. Defaults to DefaultSize.
	Size int
}

// Allocator carves allocations out of the arena using segregated free lists
// over a physically ordered block chain.
//
// Like the other components it is not interrupt-reentrant; the internal
// mutex covers the hosted-test case only.
type Allocator struct {
	mu     sync.Mutex
	logger *slog.Logger

	start uint64
	size  int

	head      *heapBlock
	freeLists [maxOrder + 1]*heapBlock
	orderMask uint64
	allocated *swiss.Map[int, *heapBlock]

	freeBytes int
}

// New returns a heap over the configured arena with the entire range free.
func New(config Config) *Allocator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Start == 0 {
		config.Start = DefaultStart
	}
	if config.Size == 0 {
		config.Size = DefaultSize
	}

	a := &Allocator{
		logger:    config.Logger,
		start:     config.Start,
		size:      config.Size,
		allocated: swiss.NewMap[int, *heapBlock](64),
		freeBytes: config.Size,
	}

	initial := acquireBlock(0, config.Size)
	initial.MarkFree()
	a.head = initial
	a.pushFree(initial)

	a.logger.Info("kernel heap initialized",
		slog.Uint64("Start", a.start),
		slog.Int("Size", a.size))

	return a
}

func (a *Allocator) pushFree(b *heapBlock) {
	order := blockOrder(b.size)

	b.prevFree = nil
	b.nextFree = a.freeLists[order]
	if b.nextFree != nil {
		b.nextFree.prevFree = b
	}
	a.freeLists[order] = b
	a.orderMask |= uint64(1) << order
}

func (a *Allocator) removeFree(b *heapBlock) {
	order := blockOrder(b.size)

	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		a.freeLists[order] = b.nextFree
		if b.nextFree == nil {
			a.orderMask &^= uint64(1) << order
		}
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree = nil
	b.nextFree = nil
}

// findFit returns a free block that can hold size bytes at the requested
// alignment, or nil. Lists are scanned from the smallest order that could
// fit, so the search degenerates to first-fit only among blocks of similar
// size.
func (a *Allocator) findFit(size, align int) (*heapBlock, int) {
	orders := a.orderMask &^ ((uint64(1) << blockOrder(size)) - 1)

	for orders != 0 {
		order := bits.TrailingZeros64(orders)
		orders &^= uint64(1) << order

		for block := a.freeLists[order]; block != nil; block = block.nextFree {
			alignedOffset := kmem.AlignUp(block.offset, align)
			if alignedOffset+size <= block.end() {
				return block, alignedOffset
			}
		}
	}

	return nil, 0
}

// Alloc reserves size bytes at the requested alignment and returns the
// virtual address of the allocation. The alignment must be a power of two
// (zero is treated as one). It fails with an error wrapping
// kmem.ErrOutOfMemory when no free range fits.
func (a *Allocator) Alloc(size, align int) (uint64, error) {
	if size < 1 {
		return 0, errors.Errorf("invalid allocation size: %d", size)
	}
	if align == 0 {
		align = 1
	}
	if err := kmem.CheckPow2(align, "align"); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	kmem.DebugValidate(a)

	block, alignedOffset := a.findFit(size, align)
	if block == nil {
		return 0, errors.Wrapf(kmem.ErrOutOfMemory,
			"no free range of %d bytes at alignment %d (%d bytes free in total)",
			size, align, a.freeBytes)
	}

	a.removeFree(block)

	// Padding before the aligned offset stays free.
	if padding := alignedOffset - block.offset; padding > 0 {
		pad := acquireBlock(block.offset, padding)
		pad.MarkFree()
		pad.prevPhys = block.prevPhys
		pad.nextPhys = block
		if pad.prevPhys != nil {
			pad.prevPhys.nextPhys = pad
		} else {
			a.head = pad
		}
		block.prevPhys = pad
		block.offset = alignedOffset
		block.size -= padding
		a.pushFree(pad)
	}

	// Remainder past the allocation stays free.
	if remainder := block.size - size; remainder > 0 {
		rest := acquireBlock(alignedOffset+size, remainder)
		rest.MarkFree()
		rest.nextPhys = block.nextPhys
		rest.prevPhys = block
		if rest.nextPhys != nil {
			rest.nextPhys.prevPhys = rest
		}
		block.nextPhys = rest
		block.size = size
		a.pushFree(rest)
	}

	block.MarkTaken()
	a.allocated.Put(block.offset, block)
	a.freeBytes -= size

	return a.start + uint64(block.offset), nil
}

// Free releases the allocation at addr. The size and alignment must match
// the values passed to Alloc; a mismatch, an address that was never
// allocated, or a second free of the same address is a programming error
// that halts debug builds and otherwise fails with an error wrapping
// kmem.ErrDoubleFree.
func (a *Allocator) Free(addr uint64, size, align int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr < a.start || addr >= a.start+uint64(a.size) {
		kmem.DebugFatalf("free of address %#x outside the heap arena", addr)
		a.logger.Error("free of address outside the heap arena", slog.Uint64("Address", addr))
		return errors.Wrapf(kmem.ErrDoubleFree, "address %#x is outside the heap arena", addr)
	}

	offset := int(addr - a.start)

	block, ok := a.allocated.Get(offset)
	if !ok {
		kmem.DebugFatalf("double free of heap address %#x", addr)
		a.logger.Error("double free of heap address", slog.Uint64("Address", addr))
		return errors.Wrapf(kmem.ErrDoubleFree, "address %#x has no live allocation", addr)
	}

	if block.size != size {
		kmem.DebugFatalf("free of %#x with size %d, allocated as %d", addr, size, block.size)
		return errors.Errorf("free of %#x with size %d, but it was allocated with size %d",
			addr, size, block.size)
	}

	if align > 1 && !kmem.IsAligned(offset, align) {
		kmem.DebugFatalf("free of %#x with alignment %d it does not satisfy", addr, align)
		return errors.Errorf("free of %#x with alignment %d it does not satisfy", addr, align)
	}

	a.allocated.Delete(offset)
	block.MarkFree()
	a.freeBytes += size

	// Coalesce with free physical neighbors.
	if prev := block.prevPhys; prev != nil && prev.IsFree() {
		a.removeFree(prev)
		prev.nextPhys = block.nextPhys
		if prev.nextPhys != nil {
			prev.nextPhys.prevPhys = prev
		}
		prev.size += block.size
		releaseBlock(block)
		block = prev
	}

	if next := block.nextPhys; next != nil && next.IsFree() {
		a.removeFree(next)
		block.nextPhys = next.nextPhys
		if block.nextPhys != nil {
			block.nextPhys.prevPhys = block
		}
		block.size += next.size
		releaseBlock(next)
	}

	a.pushFree(block)

	kmem.DebugValidate(a)

	return nil
}

// Start returns the virtual address of the first byte of the arena.
func (a *Allocator) Start() uint64 {
	return a.start
}

// Size returns the arena size in bytes.
func (a *Allocator) Size() int {
	return a.size
}

// FreeBytes returns the number of bytes currently free, counting
// fragmentation gaps.
func (a *Allocator) FreeBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.freeBytes
}

// AllocationCount returns the number of live allocations.
func (a *Allocator) AllocationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocated.Count()
}

// AddDetailedStatistics sums the heap's usage into the provided statistics
// object. Sizes are in bytes.
func (a *Allocator) AddDetailedStatistics(stats *kmem.DetailedStatistics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats.RegionCount++
	stats.RegionSize += a.size

	for block := a.head; block != nil; block = block.nextPhys {
		if block.IsFree() {
			stats.AddFreeRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

// Validate performs internal consistency checks over the block chain and the
// free lists. When the heap is functioning correctly it cannot return an
// error. Validate does not take the heap lock: debug builds invoke it from
// inside every mutating operation.
func (a *Allocator) Validate() error {
	var (
		expectedOffset int
		freeBytes      int
		freeBlocks     int
		takenBlocks    int
	)

	for block := a.head; block != nil; block = block.nextPhys {
		if block.offset != expectedOffset {
			return errors.Errorf("block at offset %d does not start where the previous block ended (%d)",
				block.offset, expectedOffset)
		}

		if block.size < 1 {
			return errors.Errorf("empty block at offset %d", block.offset)
		}

		if block.nextPhys != nil && block.nextPhys.prevPhys != block {
			return errors.Errorf("block at offset %d has a broken physical back reference", block.offset)
		}

		if block.IsFree() {
			freeBytes += block.size
			freeBlocks++
		} else {
			takenBlocks++
			live, ok := a.allocated.Get(block.offset)
			if !ok || live != block {
				return errors.Errorf("taken block at offset %d is not in the allocation map", block.offset)
			}
		}

		expectedOffset = block.end()
	}

	if expectedOffset != a.size {
		return errors.Errorf("block chain covers %d bytes, arena is %d", expectedOffset, a.size)
	}

	if freeBytes != a.freeBytes {
		return errors.Errorf("free blocks hold %d bytes but the heap tracks %d", freeBytes, a.freeBytes)
	}

	if takenBlocks != a.allocated.Count() {
		return errors.Errorf("%d taken blocks in the chain but %d in the allocation map",
			takenBlocks, a.allocated.Count())
	}

	listed := 0
	for order := 0; order <= maxOrder; order++ {
		var prev *heapBlock
		for block := a.freeLists[order]; block != nil; block = block.nextFree {
			if !block.IsFree() {
				return errors.Errorf("block at offset %d is in a free list but is taken", block.offset)
			}

			if blockOrder(block.size) != order {
				return errors.Errorf("block of %d bytes filed under order %d, expected %d",
					block.size, order, blockOrder(block.size))
			}

			if block.prevFree != prev {
				return errors.Errorf("block at offset %d has a broken free-list back reference", block.offset)
			}

			listed++
			prev = block
		}

		listEmpty := a.freeLists[order] == nil
		maskEmpty := a.orderMask&(uint64(1)<<order) == 0
		if listEmpty != maskEmpty {
			return errors.Errorf("order mask and free list disagree at order %d", order)
		}
	}

	if listed != freeBlocks {
		return errors.Errorf("%d free blocks in the chain but %d on the free lists", freeBlocks, listed)
	}

	return nil
}
