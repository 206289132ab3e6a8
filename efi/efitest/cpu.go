package efitest

import (
	"runtime"

	"github.com/bobuhiro11/hvboot/cpu"
)

// LongModeState is a plausible snapshot of a UEFI boot processor running
// in 64-bit mode.
func LongModeState() cpu.State {
	return cpu.State{
		GDT:    cpu.Descriptor{Limit: 0x47, Base: 0x7f9ee000},
		IDT:    cpu.Descriptor{Limit: 0xfff, Base: 0x7f0d8018},
		CR0:    cpu.CR0xPE | cpu.CR0xMP | cpu.CR0xET | cpu.CR0xNE | cpu.CR0xWP | cpu.CR0xAM | cpu.CR0xPG,
		CR3:    0x7fc01000,
		CR4:    0x668,
		RFLAGS: 0x2 | cpu.RFLAGSxIF,
		CSSel:  0x38,
		CSAR:   0xa09b,
		ESSel:  0x30,
		SSSel:  0x30,
		DSSel:  0x30,
		FSSel:  0x30,
		GSSel:  0x30,
		EFER:   cpu.EFERxSCE | cpu.EFERxLME | cpu.EFERxLMA | cpu.EFERxNXE,
		Regs: cpu.Regs{
			RSP: 0x7fe9f8a8,
			RBP: 0x7fe9f900,
		},
	}
}

// CPU implements cpu.Hardware. Capture reports State; Jump records its
// arguments and ends the calling goroutine, so nothing after the jump runs.
type CPU struct {
	State cpu.State

	// Return makes Jump return to its caller instead.
	Return bool

	Captures int
	Jumped   bool
	Entry    uint64
	Magic    uint32
	Info     uint64
}

func NewCPU() *CPU {
	return &CPU{State: LongModeState()}
}

func (c *CPU) Capture(s *cpu.State) {
	c.Captures++

	rsdp := s.RSDP
	*s = c.State
	s.RSDP = rsdp

	pcs := make([]uintptr, 1)
	if runtime.Callers(2, pcs) == 1 {
		s.RIP = uint64(pcs[0])
	}
}

func (c *CPU) Jump(entry uint64, magic uint32, info uint64) {
	c.Jumped = true
	c.Entry = entry
	c.Magic = magic
	c.Info = info

	if c.Return {
		return
	}

	runtime.Goexit()
}

// Run calls fn on its own goroutine and reports whether fn returned. It
// reports false when fn ended in a CPU jump.
func Run(fn func()) bool {
	done := make(chan bool, 1)

	go func() {
		returned := false

		defer func() { done <- returned }()

		fn()

		returned = true
	}()

	return <-done
}
