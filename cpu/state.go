// Package cpu captures the architectural state of the boot processor and
// performs the final jump into the hypervisor.
package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Descriptor is a GDTR/IDTR image as stored by SGDT/SIDT.
type Descriptor struct {
	Limit uint16
	Base  uint64
}

// Regs are the general purpose registers in capture order.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RDI uint64
	RSI uint64
	RSP uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// State is the CPU context handed to the hypervisor through the boot
// information block. Its encoding is packed, little-endian, in field order.
type State struct {
	RIP    uint64
	RSDP   uint64
	GDT    Descriptor
	IDT    Descriptor
	TRSel  uint16
	LDTSel uint16
	CR0    uint64
	CR3    uint64
	CR4    uint64
	RFLAGS uint64
	CSSel  uint16
	CSAR   uint32
	ESSel  uint16
	SSSel  uint16
	DSSel  uint16
	FSSel  uint16
	GSSel  uint16
	EFER   uint64
	Regs
}

// StateSize is the encoded size of State.
var StateSize = binary.Size(State{})

func (s *State) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (s *State) UnmarshalBinary(data []byte) error {
	if len(data) < StateSize {
		return fmt.Errorf("cpu state: short buffer %d < %d", len(data), StateSize)
	}

	_, err := binary.Decode(data, binary.LittleEndian, s)

	return err
}

// AccessRights converts a raw LAR result into the attribute layout kept in
// State.CSAR: bits 7:0 are type, S, DPL and P, bits 15:12 are AVL, L, D/B
// and G. Bits 11:8 (limit 19:16) are cleared.
func AccessRights(lar uint32) uint32 {
	return (lar >> 8) & 0xf0ff
}

// Segment is a decoded segment attribute word.
type Segment struct {
	Selector uint16
	Typ      uint8
	S        uint8
	DPL      uint8
	Present  uint8
	AVL      uint8
	L        uint8
	DB       uint8
	G        uint8
}

// DecodeSegment splits an attribute word into its fields.
func DecodeSegment(sel uint16, ar uint32) Segment {
	return Segment{
		Selector: sel,
		Typ:      uint8(ar & 0xf),
		S:        uint8((ar >> 4) & 1),
		DPL:      uint8((ar >> 5) & 3),
		Present:  uint8((ar >> 7) & 1),
		AVL:      uint8((ar >> 12) & 1),
		L:        uint8((ar >> 13) & 1),
		DB:       uint8((ar >> 14) & 1),
		G:        uint8((ar >> 15) & 1),
	}
}

// CodeSegment decodes the captured CS.
func (s *State) CodeSegment() Segment {
	return DecodeSegment(s.CSSel, s.CSAR)
}

// LongMode reports whether paging and long mode were active at capture.
func (s *State) LongMode() bool {
	return s.CR0&CR0xPG != 0 && s.CR4&CR4xPAE != 0 && s.EFER&EFERxLMA != 0
}

func (s Segment) String() string {
	return fmt.Sprintf("sel=%#04x type=%#x s=%d dpl=%d p=%d avl=%d l=%d db=%d g=%d",
		s.Selector, s.Typ, s.S, s.DPL, s.Present, s.AVL, s.L, s.DB, s.G)
}
