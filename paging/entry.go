// Package paging builds and mutates the 4-level page-table hierarchy that
// maps virtual pages to physical frames. Table frames come from the frame
// allocator; the table contents are modeled in kernel memory, keyed by the
// frame that backs each table, so the structure can be exercised and tested
// without an active MMU.
package paging

import "github.com/achlys-os/kmem"

const (
	pageLevels      = 4
	entriesPerTable = 512

	// ptePhysMask extracts the physical address from a page table entry.
	// Bits 12-51 hold the address on amd64.
	ptePhysMask = uint64(0x000ffffffffff000)
)

// pageLevelShifts defines the shift required to extract each page-table
// index from a virtual address. Level 0 is the top-most table.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

const (
	// FlagPresent is set when the page is backed by a physical frame. Map
	// sets it implicitly on every mapping it installs.
	FlagPresent EntryFlag = 1 << iota

	// FlagWritable is set if the page can be written to.
	FlagWritable

	// FlagUserAccessible is set if user-mode code can access this page. If
	// not set only kernel code can access it.
	FlagUserAccessible

	// FlagWriteThrough implies write-through caching when set and
	// write-back caching when cleared.
	FlagWriteThrough

	// FlagNoCache prevents this page from being cached if set.
	FlagNoCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is modified.
	FlagDirty

	// FlagHugePage marks an entry above the leaf level as a terminal
	// mapping of a larger page (1 GiB at the second level, 2 MiB at the
	// third).
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing the cached translation for
	// this page when the active table is switched.
	FlagGlobal

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute EntryFlag = 1 << 63
)

// Entry is a single page table entry: a physical frame address plus flag
// bits, in the amd64 layout.
type Entry uint64

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return EntryFlag(e)&flags == flags
}

// HasAnyFlag returns true if this entry has at least one of the input flags
// set.
func (e Entry) HasAnyFlag(flags EntryFlag) bool {
	return EntryFlag(e)&flags != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (e *Entry) SetFlags(flags EntryFlag) {
	*e = Entry(uint64(*e) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (e *Entry) ClearFlags(flags EntryFlag) {
	*e = Entry(uint64(*e) &^ uint64(flags))
}

// Flags returns the flag bits of the entry with the address bits cleared.
func (e Entry) Flags() EntryFlag {
	return EntryFlag(uint64(e) &^ ptePhysMask)
}

// Frame returns the physical frame this entry points to.
func (e Entry) Frame() kmem.Frame {
	return kmem.FrameFromAddress(uint64(e) & ptePhysMask)
}

// SetFrame updates the entry to point at the given physical frame.
func (e *Entry) SetFrame(frame kmem.Frame) {
	*e = Entry((uint64(*e) &^ ptePhysMask) | frame.Address())
}

// pageTable is one 512-entry table at any level of the hierarchy.
type pageTable struct {
	entries [entriesPerTable]Entry
}

// indexForLevel extracts the table index for the given level from a virtual
// address.
func indexForLevel(virtAddr uint64, level int) int {
	return int((virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1))
}
