package acpi

type Signature string

func (s Signature) ToBytes() [4]byte {
	var ret [4]byte

	copy(ret[:], s)

	return ret
}

const (
	SigRSDT Signature = "RSDT"
	SigXSDT Signature = "XSDT"
)

// RSDPSignature starts every root system description pointer.
const RSDPSignature = "RSD PTR "
