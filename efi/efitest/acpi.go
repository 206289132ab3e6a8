package efitest

import (
	"bytes"
	"encoding/binary"

	"github.com/bobuhiro11/hvboot/acpi"
)

// Placement of the tables written by InstallACPI.
const (
	RSDPAddr = ACPIBase
	XSDTAddr = ACPIBase + 0x100
)

// InstallACPI writes an empty XSDT and a root pointer of revision rev to
// the ACPI reclaim region and publishes the pointer as a configuration
// table. Revision 2 and above are published under the ACPI 2.0 GUID.
func (f *Firmware) InstallACPI(oem string, rev uint8) *acpi.RSDP {
	h := acpi.Header{
		Signature: acpi.SigXSDT.ToBytes(),
		Length:    acpi.HeaderSize,
		Rev:       1,
	}
	copy(h.OEMId[:], oem)
	copy(h.OEMTableID[:], "HVBOOT")

	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, h)

	raw := buf.Bytes()
	raw[9] = acpi.Checksum(raw)

	_, _ = f.mem.WriteAt(raw, XSDTAddr)

	r := acpi.NewRSDP(oem, rev, 0, XSDTAddr)
	b, _ := r.Bytes()

	_, _ = f.mem.WriteAt(b, RSDPAddr)

	guid := acpi.ACPITableGUID
	if rev >= 2 {
		guid = acpi.ACPI20TableGUID
	}

	f.AddConfigurationTable(guid, RSDPAddr)

	return r
}
