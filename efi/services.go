package efi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Handle is an opaque EFI_HANDLE.
type Handle uint64

// MapInfo is what GetMemoryMap reports besides the descriptors themselves.
type MapInfo struct {
	Size              uint64
	Key               uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// LoadedImage carries the EFI_LOADED_IMAGE_PROTOCOL fields the loader uses.
type LoadedImage struct {
	Handle       Handle
	ParentHandle Handle
	DeviceHandle Handle
	ImageBase    uint64
	ImageSize    uint64
	CodeType     MemoryType
	DataType     MemoryType
	LoadOptions  string
}

// Firmware is the set of boot services the loader consumes. Physical memory
// is reached through the embedded Memory, addressed by physical address.
type Firmware interface {
	Memory

	// SystemTable returns the physical address of the EFI System Table.
	SystemTable() uint64

	// GetMemoryMap writes the current memory map into the size bytes at
	// addr. A zero addr or a short buffer yields BufferTooSmall with
	// MapInfo.Size set to the required size.
	GetMemoryMap(addr, size uint64) (MapInfo, error)

	AllocatePages(t AllocateType, mt MemoryType, pages, addr uint64) (uint64, error)
	FreePages(addr, pages uint64) error

	LoadedImage() (*LoadedImage, error)
	LoadImage(path string) (Handle, error)
	StartImage(h Handle) error
	UnloadImage(h Handle) error

	Stall(d time.Duration)
	Exit(status Status) error
	Console() io.Writer
}

// DefaultMapAttempts bounds the memory map sizing loop.
const DefaultMapAttempts = 10

// Services is the single entry point to firmware state. It is created once
// per application run after the system table has been verified.
type Services struct {
	fw    Firmware
	table *SystemTable

	// MapAttempts is the number of GetMemoryMap rounds tried before giving
	// up with ErrMemoryMapUnstable.
	MapAttempts int
}

// New reads and verifies the system table.
func New(fw Firmware) (*Services, error) {
	addr := fw.SystemTable()

	hdr := make([]byte, tableHeaderSize)
	if _, err := fw.ReadAt(hdr, int64(addr)); err != nil {
		return nil, fmt.Errorf("read system table header: %w", err)
	}

	size := binary.LittleEndian.Uint32(hdr[12:16])
	if size < SystemTableSize || size > PageSize {
		return nil, fmt.Errorf("%w: %w: %d", LoadError, ErrTableSize, size)
	}

	raw := make([]byte, size)
	if _, err := fw.ReadAt(raw, int64(addr)); err != nil {
		return nil, fmt.Errorf("read system table: %w", err)
	}

	if err := VerifyTable(raw, SystemTableSignature); err != nil {
		return nil, fmt.Errorf("%w: system table: %w", LoadError, err)
	}

	table := &SystemTable{}
	if _, err := binary.Decode(raw, binary.LittleEndian, table); err != nil {
		return nil, fmt.Errorf("decode system table: %w", err)
	}

	return &Services{
		fw:          fw,
		table:       table,
		MapAttempts: DefaultMapAttempts,
	}, nil
}

// Firmware returns the underlying boot services.
func (s *Services) Firmware() Firmware {
	return s.fw
}

// Table returns the verified system table.
func (s *Services) Table() *SystemTable {
	return s.table
}

// ReadAt reads physical memory.
func (s *Services) ReadAt(p []byte, addr uint64) error {
	if _, err := s.fw.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("read %#x+%#x: %w", addr, len(p), err)
	}

	return nil
}

// WriteAt writes physical memory.
func (s *Services) WriteAt(p []byte, addr uint64) error {
	if _, err := s.fw.WriteAt(p, int64(addr)); err != nil {
		return fmt.Errorf("write %#x+%#x: %w", addr, len(p), err)
	}

	return nil
}

// ConfigurationTables returns the vendor tables listed in the system table.
func (s *Services) ConfigurationTables() ([]ConfigurationTable, error) {
	n := s.table.NumberOfTableEntries
	if n == 0 {
		return nil, nil
	}

	raw := make([]byte, n*configurationTableSize)
	if err := s.ReadAt(raw, s.table.ConfigurationTable); err != nil {
		return nil, fmt.Errorf("configuration tables: %w", err)
	}

	tables := make([]ConfigurationTable, n)
	if _, err := binary.Decode(raw, binary.LittleEndian, tables); err != nil {
		return nil, fmt.Errorf("configuration tables: %w", err)
	}

	return tables, nil
}

// AllocateAt reserves size bytes at a fixed physical address.
func (s *Services) AllocateAt(mt MemoryType, addr, size uint64) error {
	if _, err := s.fw.AllocatePages(AllocateAddress, mt, Pages(size), addr); err != nil {
		return fmt.Errorf("allocate %#x+%#x: %w", addr, size, err)
	}

	return nil
}

// AllocateBelow allocates size bytes of memory ending at or below max.
func (s *Services) AllocateBelow(mt MemoryType, size, max uint64) (uint64, error) {
	addr, err := s.fw.AllocatePages(AllocateMaxAddress, mt, Pages(size), max)
	if err != nil {
		return 0, fmt.Errorf("allocate %#x bytes below %#x: %w", size, max, err)
	}

	return addr, nil
}

// Allocate allocates size bytes anywhere.
func (s *Services) Allocate(mt MemoryType, size uint64) (uint64, error) {
	addr, err := s.fw.AllocatePages(AllocateAnyPages, mt, Pages(size), 0)
	if err != nil {
		return 0, fmt.Errorf("allocate %#x bytes: %w", size, err)
	}

	return addr, nil
}

// Free releases memory obtained from one of the allocation helpers.
func (s *Services) Free(addr, size uint64) error {
	if err := s.fw.FreePages(addr, Pages(size)); err != nil {
		return fmt.Errorf("free %#x+%#x: %w", addr, size, err)
	}

	return nil
}

// ErrNoLoadedImage is returned when the image protocol reports no image.
var ErrNoLoadedImage = errors.New("no loaded image")

// LoadedImage returns the metadata of the running application.
func (s *Services) LoadedImage() (*LoadedImage, error) {
	img, err := s.fw.LoadedImage()
	if err != nil {
		return nil, fmt.Errorf("loaded image: %w", err)
	}

	if img == nil {
		return nil, fmt.Errorf("%w: %w", NotFound, ErrNoLoadedImage)
	}

	return img, nil
}
