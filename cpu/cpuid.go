package cpu

import (
	"encoding/binary"
)

const (
	extendedFeatures = 0x80000001

	// long mode bit of CPUID 0x80000001 EDX
	extLM = 29
)

func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// Vendor returns the 12 character vendor string, e.g. "GenuineIntel".
func Vendor() string {
	_, ebx, ecx, edx := CPUID(0)

	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], ebx)
	binary.LittleEndian.PutUint32(b[4:], edx)
	binary.LittleEndian.PutUint32(b[8:], ecx)

	return string(b)
}

// LongModeSupported reports CPUID support for 64-bit mode.
func LongModeSupported() bool {
	if max, _, _, _ := CPUID(0x80000000); max < extendedFeatures {
		return false
	}

	_, _, _, edx := CPUID(extendedFeatures)

	return edx&(1<<extLM) != 0
}
