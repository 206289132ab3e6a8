// Package peimage looks inside the PE image of the running application.
package peimage

import (
	"debug/pe"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/hvboot/efi"
	"golang.org/x/arch/x86/x86asm"
)

var ErrSectionNotFound = errors.New("section not found")

// Section locates a section relative to the image base.
type Section struct {
	Name string
	RVA  uint64
	Size uint64
}

// FindSection parses the headers of the image mapped at base and returns
// the section called name.
func FindSection(mem io.ReaderAt, base, size uint64, name string) (Section, error) {
	f, err := pe.NewFile(io.NewSectionReader(mem, int64(base), int64(size)))
	if err != nil {
		return Section{}, fmt.Errorf("%w: parsing image at %#x: %w", efi.LoadError, base, err)
	}
	defer f.Close()

	for _, s := range f.Sections {
		if s.Name != name {
			continue
		}

		n := uint64(s.VirtualSize)
		if n == 0 {
			n = uint64(s.Size)
		}

		if uint64(s.VirtualAddress)+n > size {
			return Section{}, fmt.Errorf("%w: section %q exceeds image", efi.LoadError, name)
		}

		return Section{Name: s.Name, RVA: uint64(s.VirtualAddress), Size: n}, nil
	}

	return Section{}, fmt.Errorf("%w: %w: %q", efi.NotFound, ErrSectionNotFound, name)
}

// Inst decodes the instruction at the start of code, which is located at
// pc, and renders it in GNU syntax.
func Inst(code []byte, pc uint64) (string, int, error) {
	d, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", 0, fmt.Errorf("decoding %#02x:%w", code, err)
	}

	return x86asm.GNUSyntax(d, pc, nil), d.Len, nil
}

// Disassemble decodes up to n instructions starting at pc.
func Disassemble(code []byte, pc uint64, n int) ([]string, error) {
	var out []string

	for off := 0; len(out) < n && off < len(code); {
		s, l, err := Inst(code[off:], pc+uint64(off))
		if err != nil {
			return out, err
		}

		out = append(out, fmt.Sprintf("%#x: %s", pc+uint64(off), s))
		off += l
	}

	return out, nil
}
