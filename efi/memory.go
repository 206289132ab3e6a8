package efi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PageSize represents the EFI page size in bytes.
const PageSize = 4096

// DescriptorSize is the encoded size of MemoryDescriptor. Firmware may
// report a larger stride, which is what callers must step by.
const DescriptorSize = 40

// ErrDescriptorSize is returned when the firmware reports a descriptor
// stride too small to hold an EFI_MEMORY_DESCRIPTOR.
var ErrDescriptorSize = errors.New("invalid memory descriptor size")

// AllocateType is an EFI_ALLOCATE_TYPE.
type AllocateType uint32

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
	MaxAllocateType
)

// MemoryType is an EFI_MEMORY_TYPE.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
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
	UnacceptedMemoryType
	MaxMemoryType
)

var memoryTypeNames = [...]string{
	"Reserved",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"Conventional",
	"Unusable",
	"ACPIReclaim",
	"ACPINVS",
	"MMIO",
	"MMIOPortSpace",
	"PalCode",
	"Persistent",
	"Unaccepted",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}

	return fmt.Sprintf("MemoryType(%#x)", uint32(t))
}

// MemoryDescriptor represents an EFI Memory Descriptor.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (d *MemoryDescriptor) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (d *MemoryDescriptor) UnmarshalBinary(data []byte) error {
	_, err := binary.Decode(data, binary.LittleEndian, d)

	return err
}

// Size returns the length of the region in bytes.
func (d *MemoryDescriptor) Size() uint64 {
	return d.NumberOfPages * PageSize
}

// PhysicalEnd returns the descriptor physical end address.
func (d *MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.Size()
}

// DecodeMemoryMap splits a raw GetMemoryMap buffer into descriptors,
// stepping by the firmware-reported stride.
func DecodeMemoryMap(buf []byte, descSize uint64) ([]*MemoryDescriptor, error) {
	if descSize < DescriptorSize {
		return nil, fmt.Errorf("%w: %d", ErrDescriptorSize, descSize)
	}

	n := uint64(len(buf)) / descSize
	descs := make([]*MemoryDescriptor, 0, n)

	for i := uint64(0); i < n; i++ {
		d := &MemoryDescriptor{}
		if err := d.UnmarshalBinary(buf[i*descSize:]); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}

		descs = append(descs, d)
	}

	return descs, nil
}

// Memory gives access to physical memory. Offsets are physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}
