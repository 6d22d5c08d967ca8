package paging

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/achlys-os/kmem"
)

// TableFrameAllocator provides the physical frames that back page-table
// levels. frame.Allocator satisfies it.
type TableFrameAllocator interface {
	Allocate() (kmem.Frame, error)
}

// Config controls page-table manager initialization.
type Config struct {
	// Logger receives mapping traces. Defaults to slog.Default.
	Logger *slog.Logger

	// DisableHugeMappings forces IdentityMapRange to build 4 KiB mappings
	// even where a 1 GiB entry would fit. Mostly useful in tests that want
	// to observe the full hierarchy.
	DisableHugeMappings bool
}

// Manager owns the active page-table hierarchy. All mutations of the
// hierarchy go through it; no other component writes table entries.
//
// The manager is not interrupt-reentrant. A page-fault handler that needs to
// map pages must run under the coarse kernel critical section.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger

	frames    TableFrameAllocator
	tables    *swiss.Map[kmem.Frame, *pageTable]
	rootFrame kmem.Frame

	disableHuge bool
	mappedPages int
}

// NewManager allocates a root table frame and returns a manager for a fresh,
// empty address space. It returns an error wrapping kmem.ErrOutOfFrames if
// the root frame cannot be allocated.
func NewManager(frames TableFrameAllocator, config Config) (*Manager, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	m := &Manager{
		logger:      config.Logger,
		frames:      frames,
		tables:      swiss.NewMap[kmem.Frame, *pageTable](64),
		disableHuge: config.DisableHugeMappings,
	}

	rootFrame, _, err := m.newTable()
	if err != nil {
		return nil, errors.Wrap(err, "allocating page-table root")
	}
	m.rootFrame = rootFrame

	m.logger.Debug("page-table manager initialized", slog.Uint64("RootFrame", rootFrame.Address()))

	return m, nil
}

// RootFrame returns the frame holding the top-level table. This is the value
// the boot path loads into the MMU's table-base register once the hierarchy
// is live.
func (m *Manager) RootFrame() kmem.Frame {
	return m.rootFrame
}

// MappedPages returns the number of 4 KiB pages with live mappings, counting
// huge mappings by the pages they span.
func (m *Manager) MappedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mappedPages
}

func (m *Manager) newTable() (kmem.Frame, *pageTable, error) {
	frame, err := m.frames.Allocate()
	if err != nil {
		return kmem.InvalidFrame, nil, errors.Wrap(err, "allocating page-table frame")
	}

	table := &pageTable{}
	m.tables.Put(frame, table)
	return frame, table, nil
}

// walkResult locates one entry in the hierarchy.
type walkResult struct {
	table *pageTable
	index int
	level int
	// huge is set when the walk stopped early at a present huge-page entry
	// above the requested level.
	huge bool
}

func (r *walkResult) entry() *Entry {
	return &r.table.entries[r.index]
}

// walk descends the hierarchy for virtAddr down to targetLevel. With
// allocate set, absent intermediate entries are populated with freshly
// allocated table frames (wrapping kmem.ErrOutOfFrames on exhaustion);
// otherwise an absent intermediate fails with kmem.ErrNotMapped. A present
// huge entry terminates the walk early with huge set.
//
// An allocation failure partway down leaves any intermediate tables that
// were already installed in place. They are empty and valid, so no live
// mapping is ever observable in a half-built state.
func (m *Manager) walk(virtAddr uint64, targetLevel int, allocate bool) (walkResult, error) {
	table, ok := m.tables.Get(m.rootFrame)
	if !ok {
		panic("page-table root frame has no backing table")
	}

	for level := 0; ; level++ {
		index := indexForLevel(virtAddr, level)

		if level == targetLevel {
			return walkResult{table: table, index: index, level: level}, nil
		}

		entry := table.entries[index]

		if entry.HasFlags(FlagPresent | FlagHugePage) {
			return walkResult{table: table, index: index, level: level, huge: true}, nil
		}

		if !entry.HasFlags(FlagPresent) {
			if !allocate {
				return walkResult{}, errors.Wrapf(kmem.ErrNotMapped,
					"no level-%d table for address %#x", level+1, virtAddr)
			}

			frame, _, err := m.newTable()
			if err != nil {
				return walkResult{}, err
			}

			newEntry := &table.entries[index]
			newEntry.SetFrame(frame)
			newEntry.SetFlags(FlagPresent | FlagWritable)
			entry = *newEntry
		}

		table, ok = m.tables.Get(entry.Frame())
		if !ok {
			panic("page-table entry points at a frame with no backing table")
		}
	}
}

// Map installs a mapping from page to frame with the given flags.
// FlagPresent is set implicitly. Mapping a page that already has a live
// mapping is a programming error: it halts in debug builds and otherwise
// fails with an error wrapping kmem.ErrAlreadyMapped, leaving the existing
// mapping untouched. It fails with kmem.ErrOutOfFrames if an intermediate
// table frame cannot be allocated.
func (m *Manager) Map(page kmem.Page, frame kmem.Frame, flags EntryFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapPage(page, frame, flags, false)
}

// MapOverwrite installs a mapping from page to frame, replacing any existing
// mapping for the page in place.
func (m *Manager) MapOverwrite(page kmem.Page, frame kmem.Frame, flags EntryFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapPage(page, frame, flags, true)
}

func (m *Manager) mapPage(page kmem.Page, frame kmem.Frame, flags EntryFlag, overwrite bool) error {
	res, err := m.walk(page.Address(), pageLevels-1, true)
	if err != nil {
		return err
	}

	if res.huge {
		return errors.Wrapf(kmem.ErrAlreadyMapped,
			"page %#x lies inside a level-%d huge mapping", page.Address(), res.level)
	}

	entry := res.entry()

	if entry.HasFlags(FlagPresent) {
		if !overwrite {
			kmem.DebugFatalf("remap of page %#x without overwrite", page.Address())
			m.logger.Error("remap of mapped page without overwrite",
				slog.Uint64("Page", page.Address()),
				slog.Uint64("ExistingFrame", entry.Frame().Address()))
			return errors.Wrapf(kmem.ErrAlreadyMapped,
				"page %#x is mapped to frame %#x", page.Address(), entry.Frame().Address())
		}
	} else {
		m.mappedPages++
	}

	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(flags | FlagPresent)

	kmem.DebugValidate(m)

	return nil
}

// Unmap removes the mapping for page and returns the frame that backed it.
// Ownership of the frame transfers to the caller; the manager does not free
// it, since it cannot know the frame's broader lifecycle. It fails with
// kmem.ErrNotMapped if no mapping exists.
//
// Intermediate tables emptied by an unmap are left in place.
// TODO: reclaim empty intermediate tables once frames get scarce enough to
// care.
func (m *Manager) Unmap(page kmem.Page) (kmem.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.walk(page.Address(), pageLevels-1, false)
	if err != nil {
		return kmem.InvalidFrame, err
	}

	if res.huge {
		return kmem.InvalidFrame, errors.Errorf(
			"page %#x lies inside a level-%d huge mapping which cannot be unmapped page-wise",
			page.Address(), res.level)
	}

	entry := res.entry()
	if !entry.HasFlags(FlagPresent) {
		return kmem.InvalidFrame, errors.Wrapf(kmem.ErrNotMapped, "page %#x", page.Address())
	}

	frame := entry.Frame()
	*entry = 0
	m.mappedPages--

	kmem.DebugValidate(m)

	return frame, nil
}

// Translate returns the frame backing page. It is read-only and fails with
// kmem.ErrNotMapped if no mapping exists.
func (m *Manager) Translate(page kmem.Page) (kmem.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.translate(page)
}

func (m *Manager) translate(page kmem.Page) (kmem.Frame, error) {
	res, err := m.walk(page.Address(), pageLevels-1, false)
	if err != nil {
		return kmem.InvalidFrame, err
	}

	if res.huge {
		// The entry maps a larger page; the frame is the entry's base plus
		// the page's offset within the huge range.
		span := uint64(1) << (pageLevelShifts[res.level] - kmem.PageShift)
		offset := uint64(page) & (span - 1)
		return res.entry().Frame() + kmem.Frame(offset), nil
	}

	entry := res.entry()
	if !entry.HasFlags(FlagPresent) {
		return kmem.InvalidFrame, errors.Wrapf(kmem.ErrNotMapped, "page %#x", page.Address())
	}

	return entry.Frame(), nil
}

// TranslateAddress resolves a virtual address to the physical address it
// maps to, preserving the offset within the page.
func (m *Manager) TranslateAddress(virtAddr uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame, err := m.translate(kmem.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + virtAddr&(kmem.PageSize-1), nil
}
