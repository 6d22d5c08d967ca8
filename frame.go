package kmem

import "math"

const (
	// PageShift is equal to log2(PageSize). It converts between physical
	// addresses and frame numbers (shift right) and back (shift left).
	PageShift = 12

	// PageSize is the size in bytes of a physical frame and of a virtual
	// page. The two are always the same size.
	PageSize = uint64(1) << PageShift
)

// Frame is a physical page frame number. A frame is not an object: ownership
// and allocation state are tracked entirely by the frame allocator's
// bookkeeping, never by the frame value itself.
type Frame uint64

// InvalidFrame is returned by allocators alongside an error when they fail
// to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uint64 {
	return uint64(f) << PageShift
}

// FrameFromAddress returns the Frame containing the given physical address.
// Addresses that are not page-aligned are rounded down to the frame that
// contains them.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame(physAddr >> PageShift)
}

// Page is a virtual page number.
type Page uint64

// Address returns the virtual address of the first byte of this page.
func (p Page) Address() uint64 {
	return uint64(p) << PageShift
}

// PageFromAddress returns the Page containing the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uint64) Page {
	return Page(virtAddr >> PageShift)
}
