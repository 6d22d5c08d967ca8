package kmem

import "github.com/pkg/errors"

// Error taxonomy for the memory-management core. All failures returned by
// kmem packages wrap exactly one of these sentinels, so callers can classify
// them with errors.Is. At early boot most of them are fatal anyway, but the
// classification is what lets the init path print a useful diagnostic before
// halting.
var (
	// ErrMalformedMemoryMap is returned by the uefi importer when the
	// firmware descriptor list is empty or contains inconsistently
	// overlapping descriptors.
	ErrMalformedMemoryMap error = errors.New("firmware memory map is malformed")

	// ErrInsufficientMemory is returned by frame allocator initialization
	// when no usable frames remain after reserved ranges are subtracted.
	ErrInsufficientMemory error = errors.New("no usable physical memory")

	// ErrOutOfFrames is returned when a frame allocation cannot be
	// satisfied, either because the free set is empty or because no
	// contiguous run of the requested length exists.
	ErrOutOfFrames error = errors.New("out of physical frames")

	// ErrDoubleFree is returned when a frame or heap block that is already
	// free is freed again. This is a programming-error class: builds with
	// the debug_kmem tag panic instead of returning it.
	ErrDoubleFree error = errors.New("double free")

	// ErrAlreadyMapped is returned by Map when the target page already has
	// a live mapping and no overwrite was requested.
	ErrAlreadyMapped error = errors.New("virtual page is already mapped")

	// ErrNotMapped is returned by Unmap and Translate when the target page
	// has no live mapping.
	ErrNotMapped error = errors.New("virtual page is not mapped")

	// ErrOutOfMemory is returned by the heap allocator when the backing
	// arena cannot satisfy a request.
	ErrOutOfMemory error = errors.New("kernel heap exhausted")

	// ErrNotPowerOfTwo is the error returned from CheckPow2 or other methods
	// if the number being tested is not a power of two.
	ErrNotPowerOfTwo error = errors.New("number must be a power of two")
)
