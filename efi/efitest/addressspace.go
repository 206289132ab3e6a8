package efitest

import (
	"errors"
)

var (
	errAddrSpaceOccupied = errors.New("address space occupied")
	errAddrSpaceNotFound = errors.New("unable to find address space")
)

// AddressSpace tracks the ranges handed out inside a parent range.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) || !a.IsFree(addr) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// RemoveAddress drops the child range that starts at start with size bytes.
func (a *AddressSpace) RemoveAddress(start, size uint64) (*AddressSpace, error) {
	for i, addr := range a.Addresses {
		if addr.Start == start && addr.Size == size {
			a.Addresses = append(a.Addresses[:i], a.Addresses[i+1:]...)

			return addr, nil
		}
	}

	return nil, errAddrSpaceNotFound
}

// InRange reports whether addr lies entirely within a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End() && addr.End() >= addr.Start
}

// Overlaps reports whether a and addr share at least one byte.
func (a *AddressSpace) Overlaps(addr *AddressSpace) bool {
	return addr.Start < a.End() && a.Start < addr.End()
}

func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if addr.Overlaps(ad) {
			return false
		}
	}

	return true
}
