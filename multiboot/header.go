package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/hvboot/efi"
)

const (
	HeaderMagic = 0x1badb002

	// HeaderSearchLimit is how far into the image the header may start.
	HeaderSearchLimit = 8192

	HeaderPageAlign  = 1 << 0
	HeaderMemoryInfo = 1 << 1
)

var (
	ErrHeaderNotFound = errors.New("multiboot header not found")
	ErrHeaderChecksum = errors.New("multiboot header checksum mismatch")
)

// Header is the fixed part of a multiboot v1 image header.
type Header struct {
	Magic    uint32
	Flags    uint32
	Checksum uint32
}

func NewHeader(flags uint32) Header {
	return Header{
		Magic:    HeaderMagic,
		Flags:    flags,
		Checksum: -(HeaderMagic + flags),
	}
}

func (h Header) Valid() bool {
	return h.Magic == HeaderMagic && h.Magic+h.Flags+h.Checksum == 0
}

func (h Header) Bytes() []byte {
	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, h)

	return buf.Bytes()
}

// FindHeader looks for a valid header on a 4-byte boundary within the first
// HeaderSearchLimit bytes of image and returns it with its offset.
func FindHeader(image []byte) (Header, int, error) {
	limit := len(image)
	if limit > HeaderSearchLimit {
		limit = HeaderSearchLimit
	}

	badChecksum := false

	for off := 0; off+12 <= limit; off += 4 {
		if binary.LittleEndian.Uint32(image[off:]) != HeaderMagic {
			continue
		}

		h := Header{
			Magic:    HeaderMagic,
			Flags:    binary.LittleEndian.Uint32(image[off+4:]),
			Checksum: binary.LittleEndian.Uint32(image[off+8:]),
		}

		if h.Valid() {
			return h, off, nil
		}

		badChecksum = true
	}

	if badChecksum {
		return Header{}, 0, fmt.Errorf("%w: %w", efi.LoadError, ErrHeaderChecksum)
	}

	return Header{}, 0, fmt.Errorf("%w: %w", efi.LoadError, ErrHeaderNotFound)
}
