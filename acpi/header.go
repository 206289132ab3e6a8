package acpi

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 36

// Header is the common header of every system description table.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

// ReadHeader reads the table header at addr.
func ReadHeader(r io.ReaderAt, addr uint64) (*Header, error) {
	raw := make([]byte, HeaderSize)
	if _, err := r.ReadAt(raw, int64(addr)); err != nil {
		return nil, fmt.Errorf("table header at %#x: %w", addr, err)
	}

	h := &Header{}
	if _, err := binary.Decode(raw, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Header) String() string {
	return fmt.Sprintf("%s rev=%d len=%d oem=%q table=%q",
		h.Signature[:], h.Rev, h.Length,
		strings.TrimRight(string(h.OEMId[:]), " \x00"),
		strings.TrimRight(string(h.OEMTableID[:]), " \x00"))
}

// Checksum returns the value that makes the bytes of b sum to zero when
// stored in the checksum field.
func Checksum(b []byte) uint8 {
	cks := uint8(0)

	for _, v := range b {
		cks += v
	}

	return -cks
}

// Valid reports whether the bytes of b sum to zero.
func Valid(b []byte) bool {
	return Checksum(b) == 0
}
