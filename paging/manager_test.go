package paging_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/achlys-os/kmem"
	"github.com/achlys-os/kmem/paging"
)

// frameSource is a test stand-in for the frame allocator that hands out
// sequential frames up to a limit.
type frameSource struct {
	next      kmem.Frame
	limit     int
	allocated int
}

func newFrameSource(limit int) *frameSource {
	return &frameSource{next: 0x100, limit: limit}
}

func (s *frameSource) Allocate() (kmem.Frame, error) {
	if s.allocated >= s.limit {
		return kmem.InvalidFrame, errors.Wrap(kmem.ErrOutOfFrames, "frame source exhausted")
	}

	frame := s.next
	s.next++
	s.allocated++
	return frame, nil
}

func TestMapTranslateUnmapRoundTrip(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(16), paging.Config{})
	require.NoError(t, err)

	page := kmem.PageFromAddress(0x40000000)
	backing := kmem.Frame(0x1234)

	require.NoError(t, m.Map(page, backing, paging.FlagWritable))
	require.Equal(t, 1, m.MappedPages())

	got, err := m.Translate(page)
	require.NoError(t, err)
	require.Equal(t, backing, got)

	returned, err := m.Unmap(page)
	require.NoError(t, err)
	require.Equal(t, backing, returned)
	require.Equal(t, 0, m.MappedPages())

	_, err = m.Translate(page)
	require.ErrorIs(t, err, kmem.ErrNotMapped)

	_, err = m.Unmap(page)
	require.ErrorIs(t, err, kmem.ErrNotMapped)

	require.NoError(t, m.Validate())
}

func TestUnmapNeverMappedPage(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(16), paging.Config{})
	require.NoError(t, err)

	_, err = m.Unmap(kmem.PageFromAddress(0x7000))
	require.ErrorIs(t, err, kmem.ErrNotMapped)
}

func TestMapAlreadyMapped(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(16), paging.Config{})
	require.NoError(t, err)

	page := kmem.PageFromAddress(0x5000)

	require.NoError(t, m.Map(page, kmem.Frame(10), paging.FlagWritable))

	err = m.Map(page, kmem.Frame(11), paging.FlagWritable)
	require.ErrorIs(t, err, kmem.ErrAlreadyMapped)

	// The original mapping stays intact after the rejected remap.
	got, err := m.Translate(page)
	require.NoError(t, err)
	require.Equal(t, kmem.Frame(10), got)

	require.NoError(t, m.MapOverwrite(page, kmem.Frame(11), paging.FlagWritable))
	require.Equal(t, 1, m.MappedPages())

	got, err = m.Translate(page)
	require.NoError(t, err)
	require.Equal(t, kmem.Frame(11), got)

	require.NoError(t, m.Validate())
}

func TestMapAllocatesIntermediateTables(t *testing.T) {
	source := newFrameSource(16)

	m, err := paging.NewManager(source, paging.Config{})
	require.NoError(t, err)
	require.Equal(t, 1, source.allocated)

	// First mapping walks three absent intermediate levels.
	require.NoError(t, m.Map(kmem.PageFromAddress(0x1000), kmem.Frame(1), 0))
	require.Equal(t, 4, source.allocated)

	// A neighboring page reuses the same tables.
	require.NoError(t, m.Map(kmem.PageFromAddress(0x2000), kmem.Frame(2), 0))
	require.Equal(t, 4, source.allocated)

	// A faraway page needs a fresh branch below the root.
	require.NoError(t, m.Map(kmem.PageFromAddress(0xffff800000000000), kmem.Frame(3), 0))
	require.Equal(t, 7, source.allocated)

	require.NoError(t, m.Validate())
}

func TestMapOutOfTableFrames(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(2), paging.Config{})
	require.NoError(t, err)

	page := kmem.PageFromAddress(0x1000)

	err = m.Map(page, kmem.Frame(1), 0)
	require.ErrorIs(t, err, kmem.ErrOutOfFrames)

	// The failed map must not leave a live mapping behind.
	_, err = m.Translate(page)
	require.ErrorIs(t, err, kmem.ErrNotMapped)

	require.NoError(t, m.Validate())
}

func TestNewManagerOutOfFrames(t *testing.T) {
	_, err := paging.NewManager(newFrameSource(0), paging.Config{})
	require.ErrorIs(t, err, kmem.ErrOutOfFrames)
}

func TestIdentityMapRangeSmallPages(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(16), paging.Config{DisableHugeMappings: true})
	require.NoError(t, err)

	require.NoError(t, m.IdentityMapRange(0x200000, 16*kmem.PageSize, paging.FlagWritable))
	require.Equal(t, 16, m.MappedPages())

	for i := uint64(0); i < 16; i++ {
		addr := 0x200000 + i*kmem.PageSize
		got, err := m.Translate(kmem.PageFromAddress(addr))
		require.NoError(t, err)
		require.Equal(t, kmem.FrameFromAddress(addr), got)
	}

	require.NoError(t, m.Validate())
}

func TestIdentityMapRangeHugePages(t *testing.T) {
	const twoGiB = uint64(2) << 30

	source := newFrameSource(16)
	m, err := paging.NewManager(source, paging.Config{})
	require.NoError(t, err)

	require.NoError(t, m.IdentityMapRange(0, twoGiB, paging.FlagWritable))

	// Root, one level-1 table, two huge entries: no leaf tables at all.
	require.Equal(t, 2, source.allocated)
	require.Equal(t, int(twoGiB>>kmem.PageShift), m.MappedPages())

	// Translation inside a huge mapping resolves to the identity frame.
	got, err := m.Translate(kmem.PageFromAddress(0x40001000))
	require.NoError(t, err)
	require.Equal(t, kmem.FrameFromAddress(0x40001000), got)

	// 4 KiB mappings cannot be punched into a huge range.
	err = m.Map(kmem.PageFromAddress(0x1000), kmem.Frame(99), 0)
	require.ErrorIs(t, err, kmem.ErrAlreadyMapped)

	// Nor can a huge range be unmapped page-wise.
	_, err = m.Unmap(kmem.PageFromAddress(0x1000))
	require.Error(t, err)
	require.NotErrorIs(t, err, kmem.ErrNotMapped)

	require.NoError(t, m.Validate())
}

func TestWalkMappings(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(16), paging.Config{})
	require.NoError(t, err)

	require.NoError(t, m.IdentityMapRange(0, 1<<30, paging.FlagWritable))
	require.NoError(t, m.Map(kmem.PageFromAddress(0x7000_0000_0000), kmem.Frame(0x42), 0))
	require.NoError(t, m.Map(kmem.PageFromAddress(0xffff_8000_0000_0000), kmem.Frame(0x43), paging.FlagNoExecute))

	type mapping struct {
		page  kmem.Page
		frame kmem.Frame
		count int
	}
	var seen []mapping
	err = m.WalkMappings(func(page kmem.Page, frame kmem.Frame, pageCount int, flags paging.EntryFlag) error {
		seen = append(seen, mapping{page: page, frame: frame, count: pageCount})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []mapping{
		{page: 0, frame: 0, count: 1 << 18},
		{page: kmem.PageFromAddress(0x7000_0000_0000), frame: 0x42, count: 1},
		{page: kmem.PageFromAddress(0xffff_8000_0000_0000), frame: 0x43, count: 1},
	}, seen)

	// A callback error aborts the walk.
	visits := 0
	walkErr := errors.New("stop")
	err = m.WalkMappings(func(kmem.Page, kmem.Frame, int, paging.EntryFlag) error {
		visits++
		return walkErr
	})
	require.ErrorIs(t, err, walkErr)
	require.Equal(t, 1, visits)
}

func TestTranslateAddressKeepsOffset(t *testing.T) {
	m, err := paging.NewManager(newFrameSource(16), paging.Config{})
	require.NoError(t, err)

	require.NoError(t, m.Map(kmem.PageFromAddress(0x9000), kmem.Frame(0x77), 0))

	phys, err := m.TranslateAddress(0x9123)
	require.NoError(t, err)
	require.Equal(t, kmem.Frame(0x77).Address()+0x123, phys)
}
