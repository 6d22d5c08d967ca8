// Package kernel wires the memory-management core together in dependency
// order at boot: memory-map import, frame allocator, page tables, heap. The
// resulting Context is an explicitly owned handle threaded through the rest
// of kernel initialization rather than a set of globals, so tests can stand
// up several independent instances.
package kernel

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/achlys-os/kmem"
	"github.com/achlys-os/kmem/frame"
	"github.com/achlys-os/kmem/heap"
	"github.com/achlys-os/kmem/paging"
	"github.com/achlys-os/kmem/uefi"
)

// DefaultIdentityMapLimit is how much low physical memory Bootstrap identity
// maps, matching the reach of the firmware's own tables at handoff.
const DefaultIdentityMapLimit = uint64(1) << 32

// Config controls Bootstrap.
type Config struct {
	// Logger receives one structured record per bootstrap phase and is
	// handed down to every component. Defaults to slog.Default.
	Logger *slog.Logger

	// Reserved lists physical ranges that are already claimed before the
	// frame allocator initializes: the kernel image, boot structures, the
	// firmware map buffer.
	Reserved []frame.Range

	// MaxPhysicalAddress caps the physical memory handed to the frame
	// allocator. Zero means frame.DefaultMaxPhysicalAddress.
	MaxPhysicalAddress uint64

	// IdentityMapLimit is how much low physical memory to identity map.
	// Zero means DefaultIdentityMapLimit.
	IdentityMapLimit uint64

	// DisableHugeMappings forces the identity map to use 4 KiB pages.
	DisableHugeMappings bool

	// HeapStart and HeapSize position the kernel heap arena. Zero values
	// fall back to the heap package defaults.
	HeapStart uint64
	HeapSize  int
}

// Context holds the initialized memory-management core. The frame allocator
// handle and the page-table root are what later subsystems (processes,
// filesystems) will consume once they exist.
type Context struct {
	Regions []uefi.Region
	Frames  *frame.Allocator
	Pages   *paging.Manager
	Heap    *heap.Allocator
}

// Bootstrap consumes the firmware memory map and brings up the
// memory-management core. The descriptor slice is not retained: once
// Bootstrap returns, the firmware buffer it was read from may be recycled.
//
// The ordering is load-bearing and runs exactly once: the importer must
// finish before the frame allocator initializes, and the frame allocator
// must exist before any mapping can allocate intermediate table frames.
func Bootstrap(descriptors []uefi.MemoryDescriptor, config Config) (*Context, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdentityMapLimit == 0 {
		config.IdentityMapLimit = DefaultIdentityMapLimit
	}

	regions, err := uefi.ImportMemoryMap(descriptors)
	if err != nil {
		return nil, errors.Wrap(err, "importing firmware memory map")
	}
	logger.Info("memory map imported",
		slog.Int("Regions", len(regions)),
		slog.Int("UsableFrames", uefi.UsableFrames(regions)))

	frames, err := frame.New(regions, config.Reserved, frame.Config{
		Logger:             logger,
		MaxPhysicalAddress: config.MaxPhysicalAddress,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing frame allocator")
	}

	pages, err := paging.NewManager(frames, paging.Config{
		Logger:              logger,
		DisableHugeMappings: config.DisableHugeMappings,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing page tables")
	}

	err = pages.IdentityMapRange(0, config.IdentityMapLimit, paging.FlagWritable)
	if err != nil {
		return nil, errors.Wrap(err, "identity mapping low physical memory")
	}
	logger.Info("identity map established",
		slog.Uint64("Limit", config.IdentityMapLimit),
		slog.Uint64("RootFrame", pages.RootFrame().Address()))

	heapConfig := heap.Config{
		Logger: logger,
		Start:  config.HeapStart,
		Size:   config.HeapSize,
	}
	if heapConfig.Start == 0 {
		heapConfig.Start = heap.DefaultStart
	}
	if heapConfig.Size == 0 {
		heapConfig.Size = heap.DefaultSize
	}

	if err := mapHeapArena(pages, frames, heapConfig); err != nil {
		return nil, errors.Wrap(err, "mapping heap arena")
	}

	ctx := &Context{
		Regions: regions,
		Frames:  frames,
		Pages:   pages,
		Heap:    heap.New(heapConfig),
	}

	logger.Info("memory-management core ready",
		slog.Int("FreeFrames", frames.FreeFrames()),
		slog.Int("HeapBytes", ctx.Heap.Size()))

	return ctx, nil
}

// mapHeapArena backs every page of the heap arena with a frame. Pages the
// identity map already covers are left alone; the rest get fresh frames with
// non-executable kernel-data permissions.
func mapHeapArena(pages *paging.Manager, frames *frame.Allocator, config heap.Config) error {
	firstPage := kmem.PageFromAddress(config.Start)
	lastPage := kmem.PageFromAddress(config.Start + uint64(config.Size) - 1)

	for page := firstPage; page <= lastPage; page++ {
		if _, err := pages.Translate(page); err == nil {
			continue
		} else if !errors.Is(err, kmem.ErrNotMapped) {
			return err
		}

		backing, err := frames.Allocate()
		if err != nil {
			return err
		}

		err = pages.Map(page, backing, paging.FlagWritable|paging.FlagNoExecute)
		if err != nil {
			return err
		}
	}

	return nil
}
