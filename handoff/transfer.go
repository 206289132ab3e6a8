// Package handoff assembles everything the hypervisor needs and transfers
// control to it.
package handoff

import (
	"errors"

	"github.com/bobuhiro11/hvboot/cpu"
	"github.com/bobuhiro11/hvboot/multiboot"
)

// ErrReturnedFromHypervisor is the panic value raised when the hypervisor
// entry returns to the loader.
var ErrReturnedFromHypervisor = errors.New("returned from hypervisor entry")

// Transfer masks interrupts and calls the hypervisor at entry with the
// multiboot magic and the information block address. It does not return.
func Transfer(hw cpu.Hardware, entry, info uint64) {
	hw.Jump(entry, multiboot.InfoMagic, info)

	panic(ErrReturnedFromHypervisor)
}
