//go:build !amd64

package cpu

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}
