// Package config holds the fixed platform layout and the options parsed
// from the application's load options.
package config

import (
	"time"

	"github.com/bobuhiro11/hvboot/e820"
	"github.com/bobuhiro11/hvboot/efi"
)

const (
	// LoadBase is where the hypervisor is linked to run.
	LoadBase = 0x20000000
	// LoadSize is the memory reserved for the hypervisor at LoadBase.
	LoadSize = 0x2000000

	// LowBase and LowSize cover the low memory the hypervisor uses for AP
	// trampolines.
	LowBase = 0x1000
	LowSize = 0xf000

	// EntryOffset is the 64-bit entry relative to LoadBase, right after
	// the multiboot header.
	EntryOffset = 0x210

	DefaultCmdline = "uart=disabled"
	DefaultSection = ".hv"

	LoaderDir  = `\EFI\BOOT\`
	LoaderName = "bootloaderx64.efi"

	// ChainloadStall is how long a failed chain-load keeps its message on
	// screen.
	ChainloadStall = 3 * time.Second
)

// Mode selects what the application boots.
type Mode string

const (
	ModeHypervisor Mode = "hypervisor"
	ModeChainload  Mode = "chainload"
)

type Config struct {
	Mode        Mode
	Section     string
	Load        e820.Region
	Low         e820.Region
	EntryOffset uint64
	Cmdline     string
	Loader      string
	MapAttempts int
	Verbosity   int
}

func Default() Config {
	return Config{
		Mode:        ModeHypervisor,
		Section:     DefaultSection,
		Load:        e820.Region{Base: LoadBase, Size: LoadSize},
		Low:         e820.Region{Base: LowBase, Size: LowSize},
		EntryOffset: EntryOffset,
		Cmdline:     DefaultCmdline,
		Loader:      LoaderDir + LoaderName,
		MapAttempts: efi.DefaultMapAttempts,
	}
}

// Entry returns the physical address of the hypervisor entry point.
func (c Config) Entry() uint64 {
	return c.Load.Base + c.EntryOffset
}
