package cpu

// Hardware is the processor as seen by the hand-off.
type Hardware interface {
	// Capture records control, descriptor-table, segment, flag and general
	// purpose registers, plus the return address of its caller, in a single
	// step with no intervening code that could change them. RSDP is left
	// untouched.
	Capture(s *State)

	// Jump masks interrupts and calls entry(magic, info) with the System V
	// argument registers. On real hardware it never returns.
	Jump(entry uint64, magic uint32, info uint64)
}
