package efi_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/efi/efitest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		s     efi.Status
		text  string
		isErr bool
	}{
		{efi.Success, "Success", false},
		{efi.LoadError, "Load Error", true},
		{efi.BufferTooSmall, "Buffer Too Small", true},
		{efi.NotFound, "Not Found", true},
		{efi.OutOfResources, "Out of Resources", true},
		{efi.WarnBufferTooSmall, "Warning Buffer Too Small", false},
		{efi.Status(1<<63 | 99), "EFI Error 99", true},
		{efi.Status(77), "EFI Warning 77", false},
	} {
		if got := tt.s.String(); got != tt.text {
			t.Errorf("%#x: got %q, want %q", uint64(tt.s), got, tt.text)
		}

		if got := tt.s.IsError(); got != tt.isErr {
			t.Errorf("%s: IsError %v", tt.s, got)
		}
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", efi.NotFound))

	if s := efi.StatusOf(wrapped); s != efi.NotFound {
		t.Errorf("wrapped: got %s", s)
	}

	if !errors.Is(wrapped, efi.NotFound) {
		t.Error("errors.Is does not see the status")
	}

	if s := efi.StatusOf(errors.New("plain")); s != efi.LoadError {
		t.Errorf("plain: got %s", s)
	}

	if s := efi.StatusOf(nil); s != efi.Success {
		t.Errorf("nil: got %s", s)
	}
}

func TestGUID(t *testing.T) {
	t.Parallel()

	g := efi.MustParseGUID("8868e871-e4f1-11d3-bc22-0080c73c8881")

	want := efi.GUID{
		0x71, 0xe8, 0x68, 0x88, 0xf1, 0xe4, 0xd3, 0x11,
		0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81,
	}

	if g != want {
		t.Fatalf("firmware order: got % x", g[:])
	}

	if s := g.String(); s != "8868e871-e4f1-11d3-bc22-0080c73c8881" {
		t.Errorf("String() = %s", s)
	}

	u := uuid.New()
	if back := efi.GUIDFromUUID(u).UUID(); back != u {
		t.Errorf("UUID round trip: %s != %s", back, u)
	}
}

func TestDecodeMemoryMap(t *testing.T) {
	t.Parallel()

	in := []efi.MemoryDescriptor{
		{Type: efi.ConventionalMemory, PhysicalStart: 0x1000, NumberOfPages: 2, Attribute: 0xf},
		{Type: efi.ACPIMemoryNVS, PhysicalStart: 0x7fc00000, NumberOfPages: 0x400},
	}

	for _, stride := range []uint64{efi.DescriptorSize, 48, 64} {
		buf := make([]byte, uint64(len(in))*stride)

		for i := range in {
			raw, err := in[i].MarshalBinary()
			if err != nil {
				t.Fatal(err)
			}

			copy(buf[uint64(i)*stride:], raw)
		}

		descs, err := efi.DecodeMemoryMap(buf, stride)
		if err != nil {
			t.Fatalf("stride %d: %v", stride, err)
		}

		got := make([]efi.MemoryDescriptor, len(descs))
		for i, d := range descs {
			got[i] = *d
		}

		if diff := cmp.Diff(in, got, cmpopts.IgnoreUnexported(efi.MemoryDescriptor{})); diff != "" {
			t.Errorf("stride %d (-want +got):\n%s", stride, diff)
		}
	}

	if _, err := efi.DecodeMemoryMap(make([]byte, 64), 32); !errors.Is(err, efi.ErrDescriptorSize) {
		t.Errorf("short stride: got %v", err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())

	svc, err := efi.New(fw)
	if err != nil {
		t.Fatal(err)
	}

	if svc.Table().Header.Signature != efi.SystemTableSignature {
		t.Error("invalid signature")
	}

	if svc.MapAttempts != efi.DefaultMapAttempts {
		t.Errorf("MapAttempts = %d", svc.MapAttempts)
	}
}

func TestNewBadCRC(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())
	fw.CorruptSystemTable()

	_, err := efi.New(fw)
	if !errors.Is(err, efi.ErrBadCRC) {
		t.Fatalf("got %v, want ErrBadCRC", err)
	}

	if s := efi.StatusOf(err); s != efi.LoadError {
		t.Errorf("status %s, want %s", s, efi.LoadError)
	}
}

func TestVerifyTable(t *testing.T) {
	t.Parallel()

	st := &efi.SystemTable{
		Header: efi.TableHeader{
			Signature:  efi.SystemTableSignature,
			HeaderSize: efi.SystemTableSize,
		},
	}

	raw, err := st.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(raw) != efi.SystemTableSize {
		t.Fatalf("invalid size %d", len(raw))
	}

	binary.LittleEndian.PutUint32(raw[16:], efi.TableCRC(raw))

	if err := efi.VerifyTable(raw, efi.SystemTableSignature); err != nil {
		t.Fatal(err)
	}

	// the stored CRC does not feed into its own computation
	if efi.TableCRC(raw) != binary.LittleEndian.Uint32(raw[16:]) {
		t.Error("TableCRC depends on the CRC field")
	}

	if err := efi.VerifyTable(raw, 0x1234); !errors.Is(err, efi.ErrBadSignature) {
		t.Errorf("signature: got %v", err)
	}

	if err := efi.VerifyTable(raw[:100], efi.SystemTableSignature); !errors.Is(err, efi.ErrTableSize) {
		t.Errorf("size: got %v", err)
	}

	raw[40] ^= 1
	if err := efi.VerifyTable(raw, efi.SystemTableSignature); !errors.Is(err, efi.ErrBadCRC) {
		t.Errorf("crc: got %v", err)
	}
}

func TestConfigurationTables(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())

	a := efi.MustParseGUID("eb9d2d30-2d88-11d3-9a16-0090273fc14d")
	b := efi.MustParseGUID("05ad34ba-6f02-4214-952e-4da0398e2bb9")

	fw.AddConfigurationTable(a, 0x7f800000)
	fw.AddConfigurationTable(b, 0x7f900000)

	svc, err := efi.New(fw)
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.ConfigurationTables()
	if err != nil {
		t.Fatal(err)
	}

	want := []efi.ConfigurationTable{
		{VendorGUID: a, VendorTable: 0x7f800000},
		{VendorGUID: b, VendorTable: 0x7f900000},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestMemoryMap(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		tooSmall int
		attempts int
		calls    int
		wantErr  error
	}{
		{name: "first try", tooSmall: 0, attempts: 10, calls: 2},
		{name: "grows twice", tooSmall: 2, attempts: 10, calls: 4},
		{name: "last attempt", tooSmall: 9, attempts: 10, calls: 11},
		{name: "never settles", tooSmall: -1, attempts: 10, calls: 11, wantErr: efi.ErrMemoryMapUnstable},
		{name: "single attempt", tooSmall: 1, attempts: 1, calls: 2, wantErr: efi.ErrMemoryMapUnstable},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fw := efitest.New(efitest.DefaultMap())
			fw.TooSmall = tt.tooSmall

			svc, err := efi.New(fw)
			if err != nil {
				t.Fatal(err)
			}

			svc.MapAttempts = tt.attempts
			before := fw.Descriptors()

			m, err := svc.MemoryMap()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, efi.BufferTooSmall) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}

				if !strings.HasPrefix(err.Error(), "memory map unstable") {
					t.Errorf("message %q", err)
				}
			} else {
				if err != nil {
					t.Fatal(err)
				}

				if len(m.Descriptors) != len(before)+1 {
					t.Errorf("got %d descriptors, want %d", len(m.Descriptors), len(before)+1)
				}

				if m.DescriptorSize != efitest.DefaultDescriptorSize {
					t.Errorf("descriptor size %d", m.DescriptorSize)
				}
			}

			if fw.Calls.GetMemoryMap != tt.calls {
				t.Errorf("GetMemoryMap called %d times, want %d", fw.Calls.GetMemoryMap, tt.calls)
			}

			if fw.Calls.Allocate != fw.Calls.Free {
				t.Errorf("%d allocations, %d frees", fw.Calls.Allocate, fw.Calls.Free)
			}

			if diff := cmp.Diff(before, fw.Descriptors(), cmpopts.IgnoreUnexported(efi.MemoryDescriptor{})); diff != "" {
				t.Errorf("map changed after read (-before +after):\n%s", diff)
			}
		})
	}
}

func TestMemoryMapFatal(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())

	svc, err := efi.New(fw)
	if err != nil {
		t.Fatal(err)
	}

	fw.MapError = efi.DeviceError

	if _, err := svc.MemoryMap(); !errors.Is(err, efi.DeviceError) {
		t.Fatalf("got %v", err)
	}

	if fw.Calls.GetMemoryMap != 1 {
		t.Errorf("GetMemoryMap called %d times", fw.Calls.GetMemoryMap)
	}

	fw.MapError = nil
	fw.AllocateError = efi.OutOfResources

	if _, err := svc.MemoryMap(); !errors.Is(err, efi.OutOfResources) {
		t.Fatalf("got %v", err)
	}

	if fw.Calls.Allocate != 1 {
		t.Errorf("allocated %d times, want 1", fw.Calls.Allocate)
	}
}

func TestAllocate(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())

	svc, err := efi.New(fw)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := svc.AllocateBelow(efi.LoaderData, 0x1800, 0xffffffff)
	if err != nil {
		t.Fatal(err)
	}

	if addr+0x2000 > 0x100000000 || addr%efi.PageSize != 0 {
		t.Errorf("allocation at %#x", addr)
	}

	if err := svc.AllocateAt(efi.ReservedMemoryType, 0x20000000, 0x2000000); err != nil {
		t.Fatal(err)
	}

	if err := svc.AllocateAt(efi.ReservedMemoryType, 0x20000000, 0x1000); !errors.Is(err, efi.NotFound) {
		t.Errorf("double allocation: got %v", err)
	}

	if err := svc.AllocateAt(efi.LoaderData, 0x9f000, 0x1000); !errors.Is(err, efi.NotFound) {
		t.Errorf("reserved range: got %v", err)
	}

	if err := svc.Free(addr, 0x1800); err != nil {
		t.Fatal(err)
	}

	if err := svc.Free(addr, 0x1800); !errors.Is(err, efi.NotFound) {
		t.Errorf("double free: got %v", err)
	}
}

func TestLoadedImage(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())

	svc, err := efi.New(fw)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.LoadedImage(); !errors.Is(err, efi.Unsupported) {
		t.Errorf("no image: got %v", err)
	}

	if err := fw.SetImage(efitest.BuildImage(), "hvboot.efi -v"); err != nil {
		t.Fatal(err)
	}

	img, err := svc.LoadedImage()
	if err != nil {
		t.Fatal(err)
	}

	if img.LoadOptions != "hvboot.efi -v" || img.CodeType != efi.LoaderCode {
		t.Errorf("got %+v", img)
	}
}
