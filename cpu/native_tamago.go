//go:build tamago && amd64

package cpu

import (
	"encoding/binary"
	"runtime"
)

// rawState is filled by captureState, offsets are fixed in
// native_tamago_amd64.s.
type rawState struct {
	GPR    [16]uint64
	RFLAGS uint64
	CR0    uint64
	CR3    uint64
	CR4    uint64
	EFER   uint64
	GDT    [16]byte
	IDT    [16]byte
	TR     uint64
	LDT    uint64
	CS     uint64
	LAR    uint64
	ES     uint64
	SS     uint64
	DS     uint64
	FS     uint64
	GS     uint64
}

// defined in native_tamago_amd64.s
func captureState(r *rawState)
func jump(entry uint64, magic uint32, info uint64)

// Native is the boot processor the application runs on.
type Native struct{}

func descriptor(b [16]byte) Descriptor {
	return Descriptor{
		Limit: binary.LittleEndian.Uint16(b[0:2]),
		Base:  binary.LittleEndian.Uint64(b[2:10]),
	}
}

func (Native) Capture(s *State) {
	var r rawState

	captureState(&r)

	pcs := make([]uintptr, 1)
	if runtime.Callers(2, pcs) == 1 {
		s.RIP = uint64(pcs[0])
	}

	s.GDT = descriptor(r.GDT)
	s.IDT = descriptor(r.IDT)
	s.TRSel = uint16(r.TR)
	s.LDTSel = uint16(r.LDT)
	s.CR0 = r.CR0
	s.CR3 = r.CR3
	s.CR4 = r.CR4
	s.RFLAGS = r.RFLAGS
	s.CSSel = uint16(r.CS)
	s.CSAR = AccessRights(uint32(r.LAR))
	s.ESSel = uint16(r.ES)
	s.SSSel = uint16(r.SS)
	s.DSSel = uint16(r.DS)
	s.FSSel = uint16(r.FS)
	s.GSSel = uint16(r.GS)
	s.EFER = r.EFER
	s.Regs = Regs{
		RAX: r.GPR[0], RBX: r.GPR[1], RCX: r.GPR[2], RDX: r.GPR[3],
		RDI: r.GPR[4], RSI: r.GPR[5], RSP: r.GPR[6], RBP: r.GPR[7],
		R8: r.GPR[8], R9: r.GPR[9], R10: r.GPR[10], R11: r.GPR[11],
		R12: r.GPR[12], R13: r.GPR[13], R14: r.GPR[14], R15: r.GPR[15],
	}
}

func (Native) Jump(entry uint64, magic uint32, info uint64) {
	jump(entry, magic, info)
}
