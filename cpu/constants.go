package cpu

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xPAE = (1 << 5)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)

	// RFLAGS.IF
	RFLAGSxIF = (1 << 9)
)
