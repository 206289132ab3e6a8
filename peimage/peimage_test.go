package peimage_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/efi/efitest"
	"github.com/bobuhiro11/hvboot/peimage"
)

func TestFindSection(t *testing.T) {
	t.Parallel()

	hv := efitest.HypervisorStub(0x210)
	image := efitest.BuildImage(
		efitest.Section{Name: ".text", Data: bytes.Repeat([]byte{0x90}, 0x1800)},
		efitest.Section{Name: ".hv", Data: hv},
	)

	mem := efitest.NewMemory()

	const base = 0x4000000

	if _, err := mem.WriteAt(image, base); err != nil {
		t.Fatal(err)
	}

	s, err := peimage.FindSection(mem, base, uint64(len(image)), ".hv")
	if err != nil {
		t.Fatal(err)
	}

	if s.RVA != 0x3000 || s.Size != uint64(len(hv)) {
		t.Fatalf("got %+v", s)
	}

	got := make([]byte, s.Size)
	if _, err := mem.ReadAt(got, int64(base+s.RVA)); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, hv) {
		t.Error("section contents differ")
	}

	_, err = peimage.FindSection(mem, base, uint64(len(image)), ".data")
	if !errors.Is(err, peimage.ErrSectionNotFound) || efi.StatusOf(err) != efi.NotFound {
		t.Errorf("missing section: got %v", err)
	}

	_, err = peimage.FindSection(mem, base, s.RVA, ".hv")
	if efi.StatusOf(err) != efi.LoadError {
		t.Errorf("truncated image: got %v", err)
	}
}

func TestFindSectionNotPE(t *testing.T) {
	t.Parallel()

	mem := efitest.NewMemory()

	if _, err := peimage.FindSection(mem, 0x1000, 0x1000, ".hv"); efi.StatusOf(err) != efi.LoadError {
		t.Errorf("got %v", err)
	}
}

func TestDisassemble(t *testing.T) {
	t.Parallel()

	insts, err := peimage.Disassemble(efitest.EntryCode, 0x20000210, 3)
	if err != nil {
		t.Fatal(err)
	}

	if len(insts) != 3 {
		t.Fatalf("got %q", insts)
	}

	for i, want := range []string{"0x20000210: cli", "0x20000211: hlt", "0x20000212: jmp"} {
		if !strings.HasPrefix(insts[i], want) {
			t.Errorf("instruction %d: got %q, want prefix %q", i, insts[i], want)
		}
	}

	s, n, err := peimage.Inst([]byte{0x48, 0x89, 0xe5}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if n != 3 || !strings.Contains(s, "mov") {
		t.Errorf("got %q (%d bytes)", s, n)
	}

	if _, _, err := peimage.Inst([]byte{0x0f}, 0); err == nil {
		t.Error("truncated instruction decoded")
	}
}
