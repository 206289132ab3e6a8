package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// RSDPSize is the ACPI 1.0 RSDP length.
	RSDPSize = 20
	// ExtRSDPSize is the ACPI 2.0+ RSDP length.
	ExtRSDPSize = 36
)

var (
	ErrRSDPSignature = errors.New("bad RSDP signature")
	ErrRSDPChecksum  = errors.New("bad RSDP checksum")
)

// RSDP is the root system description pointer. The extended fields are only
// meaningful when Revision >= 2.
type RSDP struct {
	Signature        [8]byte
	Checksum         uint8
	OEMID            [6]byte
	Revision         uint8
	RSDTAddr         uint32
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	_                [3]byte
}

// NewRSDP returns a checksummed RSDP. Revision 2 and above carry an XSDT.
func NewRSDP(oemID string, rev uint8, rsdt uint32, xsdt uint64) *RSDP {
	r := &RSDP{
		Revision: rev,
		RSDTAddr: rsdt,
	}

	copy(r.Signature[:], RSDPSignature)
	copy(r.OEMID[:], oemID)

	if rev >= 2 {
		r.Length = ExtRSDPSize
		r.XSDTAddr = xsdt
	}

	b, _ := r.Bytes()
	r.Checksum = Checksum(b[:RSDPSize])

	if rev >= 2 {
		b, _ = r.Bytes()
		r.ExtendedChecksum = Checksum(b)
	}

	return r
}

// Bytes encodes the RSDP, 20 bytes for ACPI 1.0 and 36 otherwise.
func (r *RSDP) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return []byte{}, err
	}

	if r.Revision < 2 {
		return buf.Bytes()[:RSDPSize], nil
	}

	return buf.Bytes(), nil
}

// OEM returns the OEM ID without padding.
func (r *RSDP) OEM() string {
	return strings.TrimRight(string(r.OEMID[:]), " \x00")
}

// ParseRSDP decodes an RSDP from raw and validates its signature and
// checksums. The structure is returned even when a checksum fails.
func ParseRSDP(raw []byte) (*RSDP, error) {
	if len(raw) < RSDPSize {
		return nil, fmt.Errorf("rsdp: short buffer %d", len(raw))
	}

	b := make([]byte, ExtRSDPSize)
	copy(b, raw)

	r := &RSDP{}
	if _, err := binary.Decode(b, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	if string(r.Signature[:]) != RSDPSignature {
		return nil, fmt.Errorf("%w: %q", ErrRSDPSignature, r.Signature[:])
	}

	if !Valid(raw[:RSDPSize]) {
		return r, fmt.Errorf("%w: v1", ErrRSDPChecksum)
	}

	if r.Revision >= 2 {
		if len(raw) < ExtRSDPSize {
			return r, fmt.Errorf("rsdp: short buffer %d for revision %d", len(raw), r.Revision)
		}

		if !Valid(raw[:ExtRSDPSize]) {
			return r, fmt.Errorf("%w: extended", ErrRSDPChecksum)
		}
	}

	return r, nil
}

// ReadRSDP reads and parses the RSDP at addr.
func ReadRSDP(m io.ReaderAt, addr uint64) (*RSDP, error) {
	raw := make([]byte, ExtRSDPSize)
	if _, err := m.ReadAt(raw, int64(addr)); err != nil {
		return nil, fmt.Errorf("rsdp at %#x: %w", addr, err)
	}

	if raw[15] < 2 {
		raw = raw[:RSDPSize]
	}

	return ParseRSDP(raw)
}
