package handoff

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bobuhiro11/hvboot/cpu"
	"github.com/bobuhiro11/hvboot/e820"
	"github.com/bobuhiro11/hvboot/multiboot"
)

const maxCmdline = 4096

// Boot is the boot information as the hypervisor finds it in memory.
type Boot struct {
	Info    *multiboot.Info
	Map     e820.Map
	Cmdline string
	State   *cpu.State
}

// Inspect decodes the boot information block at addr.
func Inspect(mem io.ReaderAt, addr uint64) (*Boot, error) {
	raw := make([]byte, multiboot.InfoSize)
	if _, err := mem.ReadAt(raw, int64(addr)); err != nil {
		return nil, fmt.Errorf("info at %#x: %w", addr, err)
	}

	info, err := multiboot.ParseInfo(raw)
	if err != nil {
		return nil, err
	}

	b := &Boot{Info: info}

	if info.Flags&multiboot.HasMmap != 0 {
		mm := make([]byte, info.MmapLength)
		if _, err := mem.ReadAt(mm, int64(info.MmapAddr)); err != nil {
			return nil, fmt.Errorf("mmap at %#x: %w", info.MmapAddr, err)
		}

		if b.Map, err = multiboot.ParseMmap(mm); err != nil {
			return nil, err
		}
	}

	if info.Flags&multiboot.HasCmdline != 0 {
		s := make([]byte, maxCmdline)
		if _, err := mem.ReadAt(s, int64(info.Cmdline)); err != nil {
			return nil, fmt.Errorf("cmdline at %#x: %w", info.Cmdline, err)
		}

		if i := bytes.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}

		b.Cmdline = string(s)
	}

	if info.Flags&multiboot.HasDrives != 0 {
		s := make([]byte, cpu.StateSize)
		if _, err := mem.ReadAt(s, int64(info.DrivesAddr)); err != nil {
			return nil, fmt.Errorf("cpu state at %#x: %w", info.DrivesAddr, err)
		}

		b.State = &cpu.State{}
		if err := b.State.UnmarshalBinary(s); err != nil {
			return nil, err
		}
	}

	return b, nil
}
