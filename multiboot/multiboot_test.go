package multiboot_test

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/hvboot/e820"
	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/multiboot"
	"github.com/google/go-cmp/cmp"
)

func TestHeader(t *testing.T) {
	t.Parallel()

	h := multiboot.NewHeader(multiboot.HeaderPageAlign | multiboot.HeaderMemoryInfo)
	if !h.Valid() {
		t.Fatal("invalid header")
	}

	b := h.Bytes()
	if len(b) != 12 {
		t.Fatalf("invalid size %d", len(b))
	}

	sum := binary.LittleEndian.Uint32(b[0:]) + binary.LittleEndian.Uint32(b[4:]) + binary.LittleEndian.Uint32(b[8:])
	if sum != 0 {
		t.Errorf("fields sum to %#x", sum)
	}
}

func TestFindHeader(t *testing.T) {
	t.Parallel()

	good := multiboot.NewHeader(multiboot.HeaderMemoryInfo).Bytes()

	bad := multiboot.NewHeader(0).Bytes()
	bad[8] ^= 0xff

	for _, tt := range []struct {
		name    string
		image   func() []byte
		off     int
		wantErr error
	}{
		{
			name:  "at start",
			image: func() []byte { return append(append([]byte{}, good...), make([]byte, 100)...) },
			off:   0,
		},
		{
			name: "after a bad candidate",
			image: func() []byte {
				b := make([]byte, 0x2000)
				copy(b[0x10:], bad)
				copy(b[0x100:], good)

				return b
			},
			off: 0x100,
		},
		{
			name: "misaligned is ignored",
			image: func() []byte {
				b := make([]byte, 0x100)
				copy(b[0x12:], good)

				return b
			},
			wantErr: multiboot.ErrHeaderNotFound,
		},
		{
			name: "beyond search limit",
			image: func() []byte {
				b := make([]byte, 0x4000)
				copy(b[multiboot.HeaderSearchLimit:], good)

				return b
			},
			wantErr: multiboot.ErrHeaderNotFound,
		},
		{
			name: "checksum",
			image: func() []byte {
				b := make([]byte, 0x100)
				copy(b[0x20:], bad)

				return b
			},
			wantErr: multiboot.ErrHeaderChecksum,
		},
		{
			name:    "empty",
			image:   func() []byte { return nil },
			wantErr: multiboot.ErrHeaderNotFound,
		},
	} {
		h, off, err := multiboot.FindHeader(tt.image())

		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, efi.LoadError) {
				t.Errorf("%s: got %v, want %v", tt.name, err, tt.wantErr)
			}

			continue
		}

		if err != nil {
			t.Errorf("%s: %v", tt.name, err)

			continue
		}

		if off != tt.off || !h.Valid() {
			t.Errorf("%s: header at %#x, want %#x", tt.name, off, tt.off)
		}
	}
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	m := e820.Map{
		{Addr: 0x0, Size: 0xa0000, Type: e820.RAM},
		{Addr: 0x100000, Size: 0x7ef00000, Type: e820.RAM},
		{Addr: 0x20000000, Size: 0x2000000, Type: e820.RAM},
	}

	l := multiboot.Layout{Info: 0x7e000000, Mmap: 0x7e100000, State: 0x7e200000}

	info, err := multiboot.Assemble(m, "uart=disabled", l)
	if err != nil {
		t.Fatal(err)
	}

	want := &multiboot.Info{
		Flags:      multiboot.HasCmdline | multiboot.HasMmap | multiboot.HasDrives,
		Cmdline:    0x7e000000 + uint32(multiboot.InfoSize),
		MmapLength: 3 * 24,
		MmapAddr:   0x7e100000,
		DrivesAddr: 0x7e200000,
	}

	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if info.Flags != 0xc4 {
		t.Errorf("flags %#x", info.Flags)
	}

	b, err := info.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != multiboot.InfoSize || multiboot.InfoSize != 88 {
		t.Fatalf("invalid size %d", len(b))
	}

	if v := binary.LittleEndian.Uint32(b[44:]); v != 3*24 {
		t.Errorf("mmap_length at 44 = %d", v)
	}

	if v := binary.LittleEndian.Uint32(b[48:]); v != 0x7e100000 {
		t.Errorf("mmap_addr at 48 = %#x", v)
	}

	if v := binary.LittleEndian.Uint32(b[56:]); v != 0x7e200000 {
		t.Errorf("drives_addr at 56 = %#x", v)
	}

	back, err := multiboot.ParseInfo(b)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(info, back); diff != "" {
		t.Errorf("parse (-want +got):\n%s", diff)
	}
}

func TestAssembleLimits(t *testing.T) {
	t.Parallel()

	l := multiboot.Layout{Info: 0x1000, Mmap: 0x2000, State: 0x3000}

	big := make(e820.Map, multiboot.MaxMmapEntries+1)
	if _, err := multiboot.Assemble(big, "", l); !errors.Is(err, multiboot.ErrTooManyEntries) || !errors.Is(err, efi.OutOfResources) {
		t.Errorf("too many entries: got %v", err)
	}

	if _, err := multiboot.Assemble(big[:multiboot.MaxMmapEntries], "", l); err != nil {
		t.Errorf("exactly at the limit: %v", err)
	}

	long := strings.Repeat("x", multiboot.InfoBufferSize)
	if _, err := multiboot.Assemble(nil, long, l); !errors.Is(err, multiboot.ErrCmdlineTooLong) {
		t.Errorf("long command line: got %v", err)
	}

	high := l
	high.State = 0x100000000

	if _, err := multiboot.Assemble(nil, "", high); !errors.Is(err, multiboot.ErrAddressTooHigh) {
		t.Errorf("state above 4G: got %v", err)
	}
}

func TestMmap(t *testing.T) {
	t.Parallel()

	m := e820.Map{
		{Addr: 0x0, Size: 0x9f000, Type: e820.RAM},
		{Addr: 0x9f000, Size: 0x61000, Type: e820.Reserved},
		{Addr: 0x7f800000, Size: 0x400000, Type: e820.ACPI},
	}

	b, err := multiboot.MmapBytes(m)
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != len(m)*multiboot.MmapEntrySize {
		t.Fatalf("invalid size %d", len(b))
	}

	for i := range m {
		if size := binary.LittleEndian.Uint32(b[i*multiboot.MmapEntrySize:]); size != e820.EntrySize {
			t.Errorf("entry %d size word %d", i, size)
		}
	}

	got, err := multiboot.ParseMmap(b)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if _, err := multiboot.ParseMmap(b[:30]); err == nil {
		t.Error("truncated map accepted")
	}
}

func TestCmdline(t *testing.T) {
	t.Parallel()

	if diff := cmp.Diff([]byte("uart=disabled\x00"), multiboot.Cmdline("uart=disabled")); diff != "" {
		t.Error(diff)
	}
}
