//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// physMemory backs the simulated physical address space with one anonymous
// mapping, so untouched pages cost nothing.
type physMemory struct {
	b []byte
}

func newPhysMemory(size uint64) (*physMemory, error) {
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x bytes: %w", size, err)
	}

	return &physMemory{b: b}, nil
}

func (m *physMemory) region(off int64, n int) ([]byte, error) {
	if off < 0 || uint64(off)+uint64(n) > uint64(len(m.b)) {
		return nil, fmt.Errorf("%w: %#x+%#x", errOutOfRange, off, n)
	}

	return m.b[off : off+int64(n)], nil
}

func (m *physMemory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.region(off, len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

func (m *physMemory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.region(off, len(p))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

func (m *physMemory) Close() error {
	return unix.Munmap(m.b)
}
