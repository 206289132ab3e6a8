// Package efitest provides an in-memory UEFI firmware for tests and for the
// host simulator. It keeps a real memory map that allocations carve up and
// frees coalesce, so GetMemoryMap sizing races happen the way they do on
// hardware.
package efitest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/bobuhiro11/hvboot/efi"
)

// Fixed placement of the firmware-owned structures.
const (
	SystemTableBase = 0x7f000000
	ConfigTableBase = 0x7f001000
	ACPIBase        = 0x7f800000

	// DefaultDescriptorSize is the stride reported by GetMemoryMap. It is
	// larger than efi.DescriptorSize, as on most firmware.
	DefaultDescriptorSize = 48

	physLimit = 1 << 48
)

// DefaultMap returns a small PC-like memory map with 2 GiB of RAM.
func DefaultMap() []efi.MemoryDescriptor {
	return []efi.MemoryDescriptor{
		{Type: efi.ConventionalMemory, PhysicalStart: 0x0, NumberOfPages: 0x9f},
		{Type: efi.ReservedMemoryType, PhysicalStart: 0x9f000, NumberOfPages: 0x61},
		{Type: efi.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x7ef00},
		{Type: efi.RuntimeServicesData, PhysicalStart: SystemTableBase, NumberOfPages: 0x800},
		{Type: efi.ACPIReclaimMemory, PhysicalStart: ACPIBase, NumberOfPages: 0x400},
		{Type: efi.ACPIMemoryNVS, PhysicalStart: 0x7fc00000, NumberOfPages: 0x400},
		{Type: efi.MemoryMappedIO, PhysicalStart: 0xfec00000, NumberOfPages: 0x1},
	}
}

// Calls counts service invocations.
type Calls struct {
	GetMemoryMap int
	Allocate     int
	Free         int
}

// Firmware implements efi.Firmware.
type Firmware struct {
	mem       efi.Memory
	descs     []efi.MemoryDescriptor
	stride    uint64
	key       uint64
	allocated *AddressSpace
	tables    []efi.ConfigurationTable
	image     *efi.LoadedImage
	files     map[string][]byte
	loaded    map[efi.Handle]string
	handle    efi.Handle

	// TooSmall makes that many GetMemoryMap calls with a buffer report
	// BufferTooSmall, as if the map had just grown. Negative means always.
	TooSmall int
	// MapError, when set, is returned by every GetMemoryMap call.
	MapError error
	// AllocateError, when set, fails every allocation.
	AllocateError error
	// LoadError and StartError fail LoadImage and StartImage.
	LoadError  error
	StartError error

	Calls      Calls
	Stalls     []time.Duration
	Started    []string
	Unloaded   []efi.Handle
	ExitStatus *efi.Status
	Out        bytes.Buffer
}

// New returns firmware with a sparse memory backing and the given map.
func New(descs []efi.MemoryDescriptor) *Firmware {
	return NewWithMemory(NewMemory(), descs)
}

// NewWithMemory returns firmware on top of mem.
func NewWithMemory(mem efi.Memory, descs []efi.MemoryDescriptor) *Firmware {
	f := &Firmware{
		mem:       mem,
		descs:     append([]efi.MemoryDescriptor{}, descs...),
		stride:    DefaultDescriptorSize,
		key:       1,
		allocated: NewAddressSpace("phys", 0, physLimit),
		files:     make(map[string][]byte),
		loaded:    make(map[efi.Handle]string),
		handle:    0x100,
	}

	f.commit()

	return f
}

// SetDescriptorSize changes the stride reported by GetMemoryMap.
func (f *Firmware) SetDescriptorSize(n uint64) {
	f.stride = n
}

// Descriptors returns a copy of the current memory map.
func (f *Firmware) Descriptors() []efi.MemoryDescriptor {
	return append([]efi.MemoryDescriptor{}, f.descs...)
}

// Allocations returns the ranges currently allocated through AllocatePages.
func (f *Firmware) Allocations() []*AddressSpace {
	return append([]*AddressSpace{}, f.allocated.Addresses...)
}

func (f *Firmware) ReadAt(p []byte, off int64) (int, error) {
	return f.mem.ReadAt(p, off)
}

func (f *Firmware) WriteAt(p []byte, off int64) (int, error) {
	return f.mem.WriteAt(p, off)
}

// commit rewrites the configuration table array and the system table with a
// fresh CRC.
func (f *Firmware) commit() {
	var buf bytes.Buffer

	for _, t := range f.tables {
		_ = binary.Write(&buf, binary.LittleEndian, t)
	}

	_, _ = f.mem.WriteAt(buf.Bytes(), ConfigTableBase)

	st := &efi.SystemTable{
		Header: efi.TableHeader{
			Signature:  efi.SystemTableSignature,
			Revision:   2<<16 | 70,
			HeaderSize: efi.SystemTableSize,
		},
		FirmwareRevision:     0x10000,
		NumberOfTableEntries: uint64(len(f.tables)),
		ConfigurationTable:   ConfigTableBase,
	}

	raw, _ := st.Bytes()
	binary.LittleEndian.PutUint32(raw[16:], efi.TableCRC(raw))

	_, _ = f.mem.WriteAt(raw, SystemTableBase)
}

// CorruptSystemTable breaks the system table CRC.
func (f *Firmware) CorruptSystemTable() {
	b := make([]byte, 4)
	_, _ = f.mem.ReadAt(b, SystemTableBase+16)

	b[0] ^= 0xff

	_, _ = f.mem.WriteAt(b, SystemTableBase+16)
}

// AddConfigurationTable appends a vendor table to the system table.
func (f *Firmware) AddConfigurationTable(guid efi.GUID, addr uint64) {
	f.tables = append(f.tables, efi.ConfigurationTable{
		VendorGUID:  guid,
		VendorTable: addr,
	})

	f.commit()
}

// AddFile makes path loadable with LoadImage.
func (f *Firmware) AddFile(path string, data []byte) {
	f.files[path] = data
}

// SetImage places image in loader code memory and makes it the running
// application with the given load options.
func (f *Firmware) SetImage(image []byte, options string) error {
	base, err := f.AllocatePages(efi.AllocateAnyPages, efi.LoaderCode, efi.Pages(uint64(len(image))), 0)
	if err != nil {
		return fmt.Errorf("image: %w", err)
	}

	if _, err := f.mem.WriteAt(image, int64(base)); err != nil {
		return fmt.Errorf("image: %w", err)
	}

	f.image = &efi.LoadedImage{
		Handle:       1,
		ParentHandle: 0,
		DeviceHandle: 2,
		ImageBase:    base,
		ImageSize:    uint64(len(image)),
		CodeType:     efi.LoaderCode,
		DataType:     efi.LoaderData,
		LoadOptions:  options,
	}

	return nil
}

func (f *Firmware) SystemTable() uint64 {
	return SystemTableBase
}

func (f *Firmware) GetMemoryMap(addr, size uint64) (efi.MapInfo, error) {
	f.Calls.GetMemoryMap++

	need := uint64(len(f.descs)) * f.stride
	info := efi.MapInfo{
		Size:              need,
		Key:               f.key,
		DescriptorSize:    f.stride,
		DescriptorVersion: 1,
	}

	if f.MapError != nil {
		return info, f.MapError
	}

	if addr == 0 || size < need {
		return info, efi.BufferTooSmall
	}

	if f.TooSmall != 0 {
		if f.TooSmall > 0 {
			f.TooSmall--
		}

		info.Size = need + f.stride

		return info, efi.BufferTooSmall
	}

	for i := range f.descs {
		raw, err := f.descs[i].MarshalBinary()
		if err != nil {
			return info, efi.DeviceError
		}

		entry := make([]byte, f.stride)
		copy(entry, raw)

		if _, err := f.mem.WriteAt(entry, int64(addr+uint64(i)*f.stride)); err != nil {
			return info, efi.DeviceError
		}
	}

	return info, nil
}

func (f *Firmware) AllocatePages(t efi.AllocateType, mt efi.MemoryType, pages, addr uint64) (uint64, error) {
	f.Calls.Allocate++

	if f.AllocateError != nil {
		return 0, f.AllocateError
	}

	if pages == 0 || mt >= efi.MaxMemoryType || mt == efi.ConventionalMemory {
		return 0, efi.InvalidParameter
	}

	size := pages * efi.PageSize

	var base uint64

	switch t {
	case efi.AllocateAddress:
		if addr%efi.PageSize != 0 {
			return 0, efi.InvalidParameter
		}

		if f.container(addr, size) < 0 {
			return 0, efi.NotFound
		}

		base = addr
	case efi.AllocateMaxAddress, efi.AllocateAnyPages:
		limit := uint64(physLimit)
		if t == efi.AllocateMaxAddress {
			limit = addr
		}

		var ok bool
		if base, ok = f.highest(size, limit); !ok {
			return 0, efi.OutOfResources
		}
	default:
		return 0, efi.InvalidParameter
	}

	if err := f.allocated.AddAddress(NewAddressSpace(mt.String(), base, size)); err != nil {
		return 0, efi.NotFound
	}

	f.carve(base, size, mt)

	return base, nil
}

func (f *Firmware) FreePages(addr, pages uint64) error {
	f.Calls.Free++

	size := pages * efi.PageSize

	if _, err := f.allocated.RemoveAddress(addr, size); err != nil {
		return efi.NotFound
	}

	for i := range f.descs {
		d := &f.descs[i]
		if d.PhysicalStart == addr && d.Size() == size {
			d.Type = efi.ConventionalMemory
			f.coalesce()
			f.key++

			return nil
		}
	}

	return efi.NotFound
}

// container returns the index of the conventional region holding
// [base, base+size), or -1.
func (f *Firmware) container(base, size uint64) int {
	for i, d := range f.descs {
		if d.Type == efi.ConventionalMemory && base >= d.PhysicalStart && base+size <= d.PhysicalEnd() {
			return i
		}
	}

	return -1
}

// highest finds the topmost free range of size bytes ending at or below
// limit.
func (f *Firmware) highest(size, limit uint64) (uint64, bool) {
	var (
		best  uint64
		found bool
	)

	for _, d := range f.descs {
		if d.Type != efi.ConventionalMemory {
			continue
		}

		top := d.PhysicalEnd()
		if limit < physLimit && top > limit+1 {
			top = (limit + 1) &^ (efi.PageSize - 1)
		}

		if top < d.PhysicalStart+size {
			continue
		}

		if base := top - size; !found || base > best {
			best, found = base, true
		}
	}

	return best, found
}

// carve splits the conventional region around [base, base+size) and marks
// the middle part with mt.
func (f *Firmware) carve(base, size uint64, mt efi.MemoryType) {
	i := f.container(base, size)
	d := f.descs[i]

	var parts []efi.MemoryDescriptor

	if base > d.PhysicalStart {
		parts = append(parts, efi.MemoryDescriptor{
			Type:          efi.ConventionalMemory,
			PhysicalStart: d.PhysicalStart,
			NumberOfPages: (base - d.PhysicalStart) / efi.PageSize,
			Attribute:     d.Attribute,
		})
	}

	parts = append(parts, efi.MemoryDescriptor{
		Type:          mt,
		PhysicalStart: base,
		NumberOfPages: size / efi.PageSize,
		Attribute:     d.Attribute,
	})

	if end := base + size; end < d.PhysicalEnd() {
		parts = append(parts, efi.MemoryDescriptor{
			Type:          efi.ConventionalMemory,
			PhysicalStart: end,
			NumberOfPages: (d.PhysicalEnd() - end) / efi.PageSize,
			Attribute:     d.Attribute,
		})
	}

	descs := append([]efi.MemoryDescriptor{}, f.descs[:i]...)
	descs = append(descs, parts...)
	f.descs = append(descs, f.descs[i+1:]...)
	f.key++
}

// coalesce merges touching conventional regions.
func (f *Firmware) coalesce() {
	out := f.descs[:0]

	for _, d := range f.descs {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Type == efi.ConventionalMemory && d.Type == efi.ConventionalMemory &&
				prev.PhysicalEnd() == d.PhysicalStart && prev.Attribute == d.Attribute {
				prev.NumberOfPages += d.NumberOfPages

				continue
			}
		}

		out = append(out, d)
	}

	f.descs = out
}

func (f *Firmware) LoadedImage() (*efi.LoadedImage, error) {
	if f.image == nil {
		return nil, efi.Unsupported
	}

	img := *f.image

	return &img, nil
}

func (f *Firmware) LoadImage(path string) (efi.Handle, error) {
	if f.LoadError != nil {
		return 0, f.LoadError
	}

	if _, ok := f.files[path]; !ok {
		return 0, efi.NotFound
	}

	f.handle++
	f.loaded[f.handle] = path

	return f.handle, nil
}

func (f *Firmware) StartImage(h efi.Handle) error {
	path, ok := f.loaded[h]
	if !ok {
		return efi.InvalidParameter
	}

	if f.StartError != nil {
		return f.StartError
	}

	f.Started = append(f.Started, path)

	return nil
}

func (f *Firmware) UnloadImage(h efi.Handle) error {
	if _, ok := f.loaded[h]; !ok {
		return efi.InvalidParameter
	}

	delete(f.loaded, h)
	f.Unloaded = append(f.Unloaded, h)

	return nil
}

func (f *Firmware) Stall(d time.Duration) {
	f.Stalls = append(f.Stalls, d)
}

func (f *Firmware) Exit(status efi.Status) error {
	f.ExitStatus = &status

	return nil
}

func (f *Firmware) Console() io.Writer {
	return &f.Out
}
