// Package e820 builds the platform memory map handed to the hypervisor from
// the firmware memory map.
package e820

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/hvboot/efi"
	"k8s.io/klog/v2"
)

// Type is the coarse classification of a memory range.
type Type uint32

const (
	RAM      Type = 1
	Reserved Type = 2
	ACPI     Type = 3
	NVS      Type = 4
	Unusable Type = 5
)

func (t Type) String() string {
	switch t {
	case RAM:
		return "RAM"
	case Reserved:
		return "reserved"
	case ACPI:
		return "ACPI"
	case NVS:
		return "NVS"
	case Unusable:
		return "unusable"
	}

	return fmt.Sprintf("Type(%d)", uint32(t))
}

// EntrySize is the encoded size of Entry.
const EntrySize = 20

// Entry is a physical memory range of one type.
type Entry struct {
	Addr uint64
	Size uint64
	Type Type
}

func (e Entry) End() uint64 {
	return e.Addr + e.Size
}

func (e Entry) String() string {
	return fmt.Sprintf("[%#016x-%#016x) %s", e.Addr, e.End(), e.Type)
}

// Region is a fixed physical range.
type Region struct {
	Base uint64
	Size uint64
}

func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Classify maps a firmware memory type onto the platform map. The second
// result is false for types that are left out of the map.
func Classify(t efi.MemoryType) (Type, bool) {
	switch t {
	case efi.ReservedMemoryType,
		efi.RuntimeServicesCode,
		efi.RuntimeServicesData,
		efi.MemoryMappedIO,
		efi.MemoryMappedIOPortSpace,
		efi.PalCode:
		return Reserved, true
	case efi.UnusableMemory:
		return Unusable, true
	case efi.ACPIReclaimMemory:
		return ACPI, true
	case efi.LoaderCode,
		efi.LoaderData,
		efi.BootServicesCode,
		efi.BootServicesData,
		efi.ConventionalMemory:
		return RAM, true
	case efi.ACPIMemoryNVS:
		return NVS, true
	}

	return 0, false
}

// Map is an ordered platform memory map.
type Map []Entry

// Append adds e, extending the last entry instead when it has the same type
// and ends exactly where e starts.
func (m Map) Append(e Entry) Map {
	if n := len(m); n > 0 {
		if last := &m[n-1]; last.Type == e.Type && last.End() == e.Addr {
			last.Size += e.Size

			return m
		}
	}

	return append(m, e)
}

// Merge returns m with adjacent same-type ranges joined.
func Merge(m Map) Map {
	out := make(Map, 0, len(m))

	for _, e := range m {
		out = out.Append(e)
	}

	return out
}

// Translate builds the platform map from firmware descriptors in
// enumeration order, then appends the hypervisor load region as RAM.
func Translate(descs []*efi.MemoryDescriptor, load Region) Map {
	m := make(Map, 0, len(descs)+1)

	for i, d := range descs {
		t, ok := Classify(d.Type)
		if !ok {
			klog.V(2).Infof("e820: dropping %s region at %#x", d.Type, d.PhysicalStart)

			continue
		}

		e := Entry{Addr: d.PhysicalStart, Size: d.Size(), Type: t}

		if t == RAM && e.Addr <= load.Base && e.End() > load.End() {
			klog.Warningf("e820[%d] start=%#x len=%#x covers the hypervisor region", i, e.Addr, e.Size)
		}

		m = m.Append(e)
	}

	return append(m, Entry{Addr: load.Base, Size: load.Size, Type: RAM})
}

// TotalSize sums the sizes of all entries.
func (m Map) TotalSize() uint64 {
	var n uint64

	for _, e := range m {
		n += e.Size
	}

	return n
}

// Bytes encodes the entries back to back.
func (m Map) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	for _, e := range m {
		if err := binary.Write(&buf, binary.LittleEndian, e); err != nil {
			return []byte{}, err
		}
	}

	return buf.Bytes(), nil
}
