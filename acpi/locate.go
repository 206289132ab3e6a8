package acpi

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/hvboot/efi"
)

// Configuration table GUIDs of the ACPI root pointer.
var (
	ACPITableGUID   = efi.MustParseGUID("eb9d2d30-2d88-11d3-9a16-0090273fc14d")
	ACPI20TableGUID = efi.MustParseGUID("8868e871-e4f1-11d3-bc22-0080c73c8881")
)

var ErrRSDPNotFound = errors.New("ACPI root pointer not found")

// Root is the located root pointer.
type Root struct {
	Addr   uint64
	ACPI20 bool
}

// Locate scans the configuration tables for the RSDP. An ACPI 2.0+ entry
// wins over an ACPI 1.0 entry wherever it appears; the first of each kind
// is used.
func Locate(tables []efi.ConfigurationTable) (Root, error) {
	var (
		v1    uint64
		found bool
	)

	for _, t := range tables {
		switch t.VendorGUID {
		case ACPI20TableGUID:
			return Root{Addr: t.VendorTable, ACPI20: true}, nil
		case ACPITableGUID:
			if !found {
				v1, found = t.VendorTable, true
			}
		}
	}

	if found {
		return Root{Addr: v1}, nil
	}

	return Root{}, fmt.Errorf("%w: %w", efi.NotFound, ErrRSDPNotFound)
}
