//go:build !linux

package main

import "errors"

var errNoMmap = errors.New("mapped physical memory is only available on linux")

type physMemory struct{}

func newPhysMemory(uint64) (*physMemory, error) {
	return nil, errNoMmap
}

func (m *physMemory) ReadAt([]byte, int64) (int, error) {
	return 0, errNoMmap
}

func (m *physMemory) WriteAt([]byte, int64) (int, error) {
	return 0, errNoMmap
}

func (m *physMemory) Close() error {
	return nil
}
