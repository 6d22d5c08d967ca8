package uefi

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/achlys-os/kmem"
)

// ImportMemoryMap consumes the firmware-supplied descriptor list and produces
// a normalized region sequence: sorted by physical address, with adjacent
// regions of the same kind merged. It returns an error wrapping
// kmem.ErrMalformedMemoryMap when the list is empty, a descriptor is not
// page-aligned, or two descriptors of different kinds claim overlapping
// physical ranges.
//
// The descriptor slice is not retained; the caller may reuse or discard the
// underlying firmware buffer as soon as the call returns.
func ImportMemoryMap(descriptors []MemoryDescriptor) ([]Region, error) {
	if len(descriptors) == 0 {
		return nil, errors.Wrap(kmem.ErrMalformedMemoryMap, "firmware provided no memory descriptors")
	}

	regions := make([]Region, 0, len(descriptors))
	for descIndex, desc := range descriptors {
		if desc.NumberOfPages == 0 {
			// Zero-length descriptors occasionally show up in firmware maps
			// and carry no information.
			continue
		}

		if !kmem.IsAligned(desc.PhysicalStart, kmem.PageSize) {
			return nil, errors.Wrapf(kmem.ErrMalformedMemoryMap,
				"descriptor %d (%s) starts at unaligned address %#x",
				descIndex, desc.Type, desc.PhysicalStart)
		}

		regions = append(regions, Region{
			Start: desc.PhysicalStart,
			Size:  desc.NumberOfPages << kmem.PageShift,
			Kind:  kindForDescriptorType(desc.Type),
		})
	}

	if len(regions) == 0 {
		return nil, errors.Wrap(kmem.ErrMalformedMemoryMap, "firmware memory map contains only empty descriptors")
	}

	slices.SortFunc(regions, func(a, b Region) bool {
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End() < b.End()
	})

	return mergeRegions(regions)
}

// mergeRegions collapses a sorted region list into its canonical form.
// Same-kind regions that touch or overlap become one region. Overlap between
// regions of different kinds means the firmware map contradicts itself, which
// the importer refuses to paper over.
func mergeRegions(sorted []Region) ([]Region, error) {
	merged := sorted[:1]

	for _, region := range sorted[1:] {
		last := &merged[len(merged)-1]

		if region.Start > last.End() {
			merged = append(merged, region)
			continue
		}

		if region.Kind != last.Kind {
			if region.Start < last.End() {
				return nil, errors.Wrapf(kmem.ErrMalformedMemoryMap,
					"%s region [%#x-%#x) overlaps %s region [%#x-%#x)",
					region.Kind, region.Start, region.End(),
					last.Kind, last.Start, last.End())
			}

			merged = append(merged, region)
			continue
		}

		if region.End() > last.End() {
			last.Size = region.End() - last.Start
		}
	}

	return merged, nil
}

// UsableFrames returns the total number of page frames across all usable
// regions in the list.
func UsableFrames(regions []Region) int {
	var frames int
	for _, region := range regions {
		if region.Kind == RegionUsable {
			frames += region.FrameCount()
		}
	}
	return frames
}
