package efi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// SystemTableSignature is "IBI SYST" read as a little-endian uint64.
	SystemTableSignature = 0x5453595320494249

	tableHeaderSize        = 24
	crcOffset              = 16
	configurationTableSize = 24

	// SystemTableSize is the encoded size of SystemTable.
	SystemTableSize = 120
)

var (
	ErrBadSignature = errors.New("bad table signature")
	ErrBadCRC       = errors.New("table CRC mismatch")
	ErrTableSize    = errors.New("table header size out of range")
)

// TableHeader represents the data structure that precedes all of the
// standard EFI table types.
type TableHeader struct {
	Signature  uint64
	Revision   uint32
	HeaderSize uint32
	CRC32      uint32
	Reserved   uint32
}

// SystemTable represents an EFI System Table.
type SystemTable struct {
	Header               TableHeader
	FirmwareVendor       uint64
	FirmwareRevision     uint32
	_                    uint32
	ConsoleInHandle      uint64
	ConIn                uint64
	ConsoleOutHandle     uint64
	ConOut               uint64
	StandardErrorHandle  uint64
	StdErr               uint64
	RuntimeServices      uint64
	BootServices         uint64
	NumberOfTableEntries uint64
	ConfigurationTable   uint64
}

// Bytes encodes the table in its in-memory layout.
func (t *SystemTable) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, t); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// ConfigurationTable represents an EFI Configuration Table entry.
type ConfigurationTable struct {
	VendorGUID  GUID
	VendorTable uint64
}

// TableCRC computes the header CRC32 of a raw table image, treating the
// CRC field itself as zero.
func TableCRC(raw []byte) uint32 {
	b := make([]byte, len(raw))
	copy(b, raw)

	for i := crcOffset; i < crcOffset+4 && i < len(b); i++ {
		b[i] = 0
	}

	return crc32.ChecksumIEEE(b)
}

// VerifyTable checks the signature and CRC32 of a raw table image whose
// length is the header's HeaderSize.
func VerifyTable(raw []byte, signature uint64) error {
	var hdr TableHeader

	if _, err := binary.Decode(raw, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("table header: %w", err)
	}

	if hdr.Signature != signature {
		return fmt.Errorf("%w: %#x", ErrBadSignature, hdr.Signature)
	}

	if int(hdr.HeaderSize) != len(raw) {
		return fmt.Errorf("%w: %d", ErrTableSize, hdr.HeaderSize)
	}

	if crc := TableCRC(raw); crc != hdr.CRC32 {
		return fmt.Errorf("%w: got %#08x, want %#08x", ErrBadCRC, crc, hdr.CRC32)
	}

	return nil
}
