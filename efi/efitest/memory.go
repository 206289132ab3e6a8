package efitest

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/hvboot/efi"
)

var errNegativeOffset = errors.New("negative physical address")

// Memory is a sparse physical address space. Pages spring into existence,
// zero filled, on first access.
type Memory struct {
	pages map[uint64]*[efi.PageSize]byte
}

func NewMemory() *Memory {
	return &Memory{
		pages: make(map[uint64]*[efi.PageSize]byte),
	}
}

func (m *Memory) page(n uint64) *[efi.PageSize]byte {
	p, ok := m.pages[n]
	if !ok {
		p = new([efi.PageSize]byte)
		m.pages[n] = p
	}

	return p
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", errNegativeOffset, off)
	}

	addr := uint64(off)
	n := 0

	for n < len(p) {
		pg := m.page(addr / efi.PageSize)
		n += copy(p[n:], pg[addr%efi.PageSize:])
		addr = uint64(off) + uint64(n)
	}

	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: %d", errNegativeOffset, off)
	}

	addr := uint64(off)
	n := 0

	for n < len(p) {
		pg := m.page(addr / efi.PageSize)
		n += copy(pg[addr%efi.PageSize:], p[n:])
		addr = uint64(off) + uint64(n)
	}

	return n, nil
}
