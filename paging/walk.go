package paging

import "github.com/achlys-os/kmem"

// WalkMappings will call the provided callback once for each live mapping in
// the hierarchy, in ascending virtual-address order. Huge mappings are
// reported once with their full page span rather than expanded page by page.
// A non-nil error from the callback aborts the walk and is returned as-is.
//
// This walks every reachable table, so it is for diagnostics and future
// reclamation passes, not for hot paths.
func (m *Manager) WalkMappings(handleMapping func(page kmem.Page, frame kmem.Frame, pageCount int, flags EntryFlag) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, ok := m.tables.Get(m.rootFrame)
	if !ok {
		panic("page-table root frame has no backing table")
	}

	return m.walkMappings(root, 0, 0, handleMapping)
}

// canonicalAddress sign-extends bit 47 so reconstructed addresses match the
// canonical amd64 form the mappings were installed under.
func canonicalAddress(virtAddr uint64) uint64 {
	if virtAddr&(uint64(1)<<47) != 0 {
		return virtAddr | 0xffff_0000_0000_0000
	}
	return virtAddr
}

func (m *Manager) walkMappings(table *pageTable, level int, virtBase uint64, handleMapping func(page kmem.Page, frame kmem.Frame, pageCount int, flags EntryFlag) error) error {
	for index := 0; index < entriesPerTable; index++ {
		entry := table.entries[index]
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		virtAddr := virtBase | uint64(index)<<pageLevelShifts[level]

		if level == pageLevels-1 {
			err := handleMapping(kmem.PageFromAddress(canonicalAddress(virtAddr)), entry.Frame(), 1, entry.Flags())
			if err != nil {
				return err
			}
			continue
		}

		if entry.HasFlags(FlagHugePage) {
			span := int(uint64(1) << (pageLevelShifts[level] - kmem.PageShift))
			err := handleMapping(kmem.PageFromAddress(canonicalAddress(virtAddr)), entry.Frame(), span, entry.Flags())
			if err != nil {
				return err
			}
			continue
		}

		child, ok := m.tables.Get(entry.Frame())
		if !ok {
			panic("page-table entry points at a frame with no backing table")
		}

		if err := m.walkMappings(child, level+1, virtAddr, handleMapping); err != nil {
			return err
		}
	}

	return nil
}
