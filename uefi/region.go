package uefi

import "github.com/achlys-os/kmem"

// RegionKind classifies an imported memory region. The firmware's fifteen
// descriptor types collapse to the handful of kinds the kernel actually
// distinguishes between.
type RegionKind uint32

const (
	// RegionUsable memory may be handed to the frame allocator.
	RegionUsable RegionKind = iota
	// RegionReserved memory belongs to the firmware or hardware and must
	// never be touched.
	RegionReserved
	// RegionAcpiReclaimable memory holds ACPI tables and may be reclaimed
	// once the kernel has consumed them.
	RegionAcpiReclaimable
	// RegionBootServicesCode held boot-services code and becomes reclaimable
	// after ExitBootServices.
	RegionBootServicesCode
	// RegionBootServicesData held boot-services data and becomes reclaimable
	// after ExitBootServices.
	RegionBootServicesData
	// RegionUnusable memory has been reported defective by the firmware.
	RegionUnusable
)

var regionKindMapping = map[RegionKind]string{
	RegionUsable:           "Usable",
	RegionReserved:         "Reserved",
	RegionAcpiReclaimable:  "AcpiReclaimable",
	RegionBootServicesCode: "BootServicesCode",
	RegionBootServicesData: "BootServicesData",
	RegionUnusable:         "Unusable",
}

func (k RegionKind) String() string {
	return regionKindMapping[k]
}

// kindForDescriptorType maps a firmware descriptor type to the region kind
// the kernel tracks. Anything the kernel has no special handling for is
// treated as reserved.
func kindForDescriptorType(t DescriptorType) RegionKind {
	switch t {
	case ConventionalMemory:
		return RegionUsable
	case BootServicesCode:
		return RegionBootServicesCode
	case BootServicesData:
		return RegionBootServicesData
	case ACPIReclaimMemory:
		return RegionAcpiReclaimable
	case UnusableMemory:
		return RegionUnusable
	default:
		return RegionReserved
	}
}

// Region is one normalized physical memory region. Regions are immutable
// once imported.
type Region struct {
	// Start is the physical address of the first byte of the region. Always
	// page-aligned.
	Start uint64
	// Size is the length of the region in bytes. Always a multiple of the
	// page size and never zero.
	Size uint64
	// Kind classifies the region.
	Kind RegionKind
}

// End returns the physical address one past the last byte of the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// FrameCount returns the number of page frames the region spans.
func (r Region) FrameCount() int {
	return int(r.Size >> kmem.PageShift)
}

// FirstFrame returns the first frame contained in the region.
func (r Region) FirstFrame() kmem.Frame {
	return kmem.FrameFromAddress(r.Start)
}
