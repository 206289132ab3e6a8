// Package multiboot lays out the multiboot v1 boot information block that
// carries the memory map, command line and CPU context to the hypervisor.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bobuhiro11/hvboot/e820"
	"github.com/bobuhiro11/hvboot/efi"
)

const (
	InfoMagic = 0x2badb002

	// Info flags set by Assemble.
	HasCmdline = 1 << 2
	HasMmap    = 1 << 6
	HasDrives  = 1 << 7

	// InfoBufferSize is the firmware allocation that holds Info followed by
	// the NUL terminated command line.
	InfoBufferSize = 16 * 1024

	// MaxMmapEntries bounds the memory map buffer.
	MaxMmapEntries = 128

	// MmapEntrySize is an e820 entry behind its size word.
	MmapEntrySize = 4 + e820.EntrySize

	MmapBufferSize = MaxMmapEntries * MmapEntrySize
)

var (
	ErrTooManyEntries = errors.New("memory map does not fit the boot information buffer")
	ErrAddressTooHigh = errors.New("address not reachable through a 32-bit pointer")
	ErrCmdlineTooLong = errors.New("command line does not fit the boot information buffer")
)

// Info is the multiboot v1 information structure.
type Info struct {
	Flags           uint32
	MemLower        uint32
	MemUpper        uint32
	BootDevice      uint32
	Cmdline         uint32
	ModsCount       uint32
	ModsAddr        uint32
	Syms            [4]uint32
	MmapLength      uint32
	MmapAddr        uint32
	DrivesLength    uint32
	DrivesAddr      uint32
	ConfigTable     uint32
	BootLoaderName  uint32
	APMTable        uint32
	VBEControlInfo  uint32
	VBEModeInfo     uint32
	VBEMode         uint16
	VBEInterfaceSeg uint16
	VBEInterfaceOff uint16
	VBEInterfaceLen uint16
}

// InfoSize is the encoded size of Info.
var InfoSize = binary.Size(Info{})

// Layout is where the pieces of the boot information live in physical
// memory. The command line is stored right after Info.
type Layout struct {
	Info  uint64
	Mmap  uint64
	State uint64
}

func ptr32(name string, addr uint64) (uint32, error) {
	if addr > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %w: %s at %#x", efi.OutOfResources, ErrAddressTooHigh, name, addr)
	}

	return uint32(addr), nil
}

// Assemble fills in the information block for m, cmdline and the CPU state
// at l.State.
func Assemble(m e820.Map, cmdline string, l Layout) (*Info, error) {
	if len(m) > MaxMmapEntries {
		return nil, fmt.Errorf("%w: %w: %d entries", efi.OutOfResources, ErrTooManyEntries, len(m))
	}

	if len(cmdline)+1 > InfoBufferSize-InfoSize {
		return nil, fmt.Errorf("%w: %w: %d bytes", efi.BufferTooSmall, ErrCmdlineTooLong, len(cmdline))
	}

	mmap, err := ptr32("mmap", l.Mmap)
	if err != nil {
		return nil, err
	}

	cmd, err := ptr32("cmdline", l.Info+uint64(InfoSize))
	if err != nil {
		return nil, err
	}

	state, err := ptr32("cpu state", l.State)
	if err != nil {
		return nil, err
	}

	return &Info{
		Flags:      HasMmap | HasCmdline | HasDrives,
		Cmdline:    cmd,
		MmapLength: uint32(len(m) * MmapEntrySize),
		MmapAddr:   mmap,
		DrivesAddr: state,
	}, nil
}

func (i *Info) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// ParseInfo decodes an information block.
func ParseInfo(raw []byte) (*Info, error) {
	i := &Info{}
	if _, err := binary.Decode(raw, binary.LittleEndian, i); err != nil {
		return nil, fmt.Errorf("multiboot info: %w", err)
	}

	return i, nil
}

// Cmdline encodes s as the NUL terminated string stored after Info.
func Cmdline(s string) []byte {
	return append([]byte(s), 0)
}

// MmapBytes encodes m as multiboot memory map entries.
func MmapBytes(m e820.Map) ([]byte, error) {
	var buf bytes.Buffer

	for _, e := range m {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(e820.EntrySize)); err != nil {
			return []byte{}, err
		}

		if err := binary.Write(&buf, binary.LittleEndian, e); err != nil {
			return []byte{}, err
		}
	}

	return buf.Bytes(), nil
}

// ParseMmap decodes a multiboot memory map, honouring each size word.
func ParseMmap(raw []byte) (e820.Map, error) {
	var m e820.Map

	for off := 0; off < len(raw); {
		if off+4 > len(raw) {
			return nil, fmt.Errorf("mmap: truncated size at %d", off)
		}

		size := int(binary.LittleEndian.Uint32(raw[off:]))
		if size < e820.EntrySize || off+4+size > len(raw) {
			return nil, fmt.Errorf("mmap: bad entry size %d at %d", size, off)
		}

		var e e820.Entry
		if _, err := binary.Decode(raw[off+4:], binary.LittleEndian, &e); err != nil {
			return nil, err
		}

		m = append(m, e)
		off += 4 + size
	}

	return m, nil
}
