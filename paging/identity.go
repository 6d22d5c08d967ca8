package paging

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/achlys-os/kmem"
)

// hugePageLevel is the hierarchy level whose entries IdentityMapRange may
// mark as huge: level 1 entries each span 1 GiB.
const hugePageLevel = 1

const hugePageSpan = uint64(1) << 30

// IdentityMapRange maps every page of the physical range [start, start+size)
// to itself with the given flags. Where the range covers a whole aligned
// 1 GiB span, a single huge entry is installed instead of half a million leaf
// entries, unless the manager was configured with DisableHugeMappings. The
// boot path uses this to keep the low physical memory reachable after the
// switch away from the firmware's tables.
//
// The range must not intersect any existing mapping; if it does the call
// fails with kmem.ErrAlreadyMapped partway through, leaving the pages mapped
// so far in place.
func (m *Manager) IdentityMapRange(start, size uint64, flags EntryFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := kmem.AlignDown(start, kmem.PageSize)
	end := kmem.AlignUp(start+size, kmem.PageSize)

	m.logger.Debug("identity mapping physical range",
		slog.Uint64("Start", addr),
		slog.Uint64("End", end))

	for addr < end {
		if !m.disableHuge && kmem.IsAligned(addr, hugePageSpan) && end-addr >= hugePageSpan {
			if err := m.mapHuge(addr, flags); err != nil {
				return err
			}
			addr += hugePageSpan
			continue
		}

		err := m.mapPage(kmem.PageFromAddress(addr), kmem.FrameFromAddress(addr), flags, false)
		if err != nil {
			return err
		}
		addr += kmem.PageSize
	}

	return nil
}

// mapHuge installs a 1 GiB identity mapping for the aligned physical address.
func (m *Manager) mapHuge(physAddr uint64, flags EntryFlag) error {
	res, err := m.walk(physAddr, hugePageLevel, true)
	if err != nil {
		return err
	}

	if res.huge {
		return errors.Wrapf(kmem.ErrAlreadyMapped, "huge mapping exists for %#x", physAddr)
	}

	entry := res.entry()
	if entry.HasFlags(FlagPresent) {
		return errors.Wrapf(kmem.ErrAlreadyMapped,
			"address %#x has 4 KiB mappings below the would-be huge entry", physAddr)
	}

	entry.SetFrame(kmem.FrameFromAddress(physAddr))
	entry.SetFlags(flags | FlagPresent | FlagHugePage)
	m.mappedPages += int(hugePageSpan >> kmem.PageShift)

	return nil
}

// Validate performs internal consistency checks over the whole hierarchy.
// When the manager is functioning correctly it cannot return an error.
// Validate does not take the manager lock.
func (m *Manager) Validate() error {
	root, ok := m.tables.Get(m.rootFrame)
	if !ok {
		return errors.New("root frame has no backing table")
	}

	tablesSeen := 1
	mappedPages := 0

	var walkTable func(table *pageTable, level int) error
	walkTable = func(table *pageTable, level int) error {
		for index := 0; index < entriesPerTable; index++ {
			entry := table.entries[index]
			if !entry.HasFlags(FlagPresent) {
				if entry != 0 {
					return errors.Errorf("non-present entry %d at level %d holds stale bits %#x",
						index, level, uint64(entry))
				}
				continue
			}

			if level == pageLevels-1 {
				mappedPages++
				continue
			}

			if entry.HasFlags(FlagHugePage) {
				if level != hugePageLevel {
					return errors.Errorf("huge entry at unsupported level %d", level)
				}
				mappedPages += int(hugePageSpan >> kmem.PageShift)
				continue
			}

			child, ok := m.tables.Get(entry.Frame())
			if !ok {
				return errors.Errorf("level-%d entry %d points at frame %#x with no backing table",
					level, index, entry.Frame().Address())
			}

			tablesSeen++
			if err := walkTable(child, level+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walkTable(root, 0); err != nil {
		return err
	}

	if mappedPages != m.mappedPages {
		return errors.Errorf("hierarchy holds %d mapped pages but the manager tracks %d",
			mappedPages, m.mappedPages)
	}

	if tablesSeen != m.tables.Count() {
		return errors.Errorf("%d tables are reachable from the root but %d are registered",
			tablesSeen, m.tables.Count())
	}

	return nil
}
