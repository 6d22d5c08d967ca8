// Package uefi imports the boot-time physical memory map handed off by the
// UEFI firmware and normalizes it into the region list consumed by the frame
// allocator. The raw descriptor buffer belongs to boot services and is never
// retained past the import call.
package uefi

// DescriptorType is the EFI_MEMORY_TYPE value carried by a firmware memory
// descriptor.
type DescriptorType uint32

const (
	ReservedMemoryType DescriptorType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var descriptorTypeMapping = map[DescriptorType]string{
	ReservedMemoryType:      "ReservedMemoryType",
	LoaderCode:              "LoaderCode",
	LoaderData:              "LoaderData",
	BootServicesCode:        "BootServicesCode",
	BootServicesData:        "BootServicesData",
	RuntimeServicesCode:     "RuntimeServicesCode",
	RuntimeServicesData:     "RuntimeServicesData",
	ConventionalMemory:      "ConventionalMemory",
	UnusableMemory:          "UnusableMemory",
	ACPIReclaimMemory:       "ACPIReclaimMemory",
	ACPIMemoryNVS:           "ACPIMemoryNVS",
	MemoryMappedIO:          "MemoryMappedIO",
	MemoryMappedIOPortSpace: "MemoryMappedIOPortSpace",
	PalCode:                 "PalCode",
	PersistentMemory:        "PersistentMemory",
}

func (t DescriptorType) String() string {
	name, ok := descriptorTypeMapping[t]
	if !ok {
		return "UnknownMemoryType"
	}
	return name
}

// MemoryDescriptor mirrors one EFI_MEMORY_DESCRIPTOR record from the map
// returned by GetMemoryMap just before ExitBootServices.
type MemoryDescriptor struct {
	Type          DescriptorType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}
