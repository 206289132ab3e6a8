package loader_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/hvboot/config"
	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/efi/efitest"
	"github.com/bobuhiro11/hvboot/handoff"
	"github.com/bobuhiro11/hvboot/loader"
	"github.com/bobuhiro11/hvboot/multiboot"
)

func image(hv []byte) []byte {
	sections := []efitest.Section{
		{Name: ".text", Data: bytes.Repeat([]byte{0xc3}, 0x200)},
	}

	if hv != nil {
		sections = append(sections, efitest.Section{Name: ".hv", Data: hv})
	}

	return efitest.BuildImage(sections...)
}

func firmware(t *testing.T, hv []byte, options string) *efitest.Firmware {
	t.Helper()

	fw := efitest.New(efitest.DefaultMap())
	fw.InstallACPI("HVBOOT", 2)

	if err := fw.SetImage(image(hv), options); err != nil {
		t.Fatal(err)
	}

	return fw
}

func TestMainHypervisor(t *testing.T) {
	t.Parallel()

	hv := efitest.HypervisorStub(config.EntryOffset)
	fw := firmware(t, hv, "hvboot.efi --cmdline=console=com1")
	hw := efitest.NewCPU()

	var status efi.Status

	if efitest.Run(func() { status = loader.Main(fw, hw) }) {
		t.Fatalf("Main returned %s, output %q", status, fw.Out.String())
	}

	if hw.Entry != config.LoadBase+config.EntryOffset || hw.Magic != multiboot.InfoMagic {
		t.Fatalf("jump to %#x magic %#x", hw.Entry, hw.Magic)
	}

	got := make([]byte, len(hv))
	if _, err := fw.ReadAt(got, config.LoadBase); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, hv) {
		t.Error("hypervisor not copied to the load base")
	}

	b, err := handoff.Inspect(fw, hw.Info)
	if err != nil {
		t.Fatal(err)
	}

	if b.Cmdline != "console=com1" {
		t.Errorf("cmdline %q", b.Cmdline)
	}

	if b.State.RSDP != efitest.RSDPAddr {
		t.Errorf("rsdp %#x", b.State.RSDP)
	}
}

func TestMainFailures(t *testing.T) {
	t.Parallel()

	stub := efitest.HypervisorStub(config.EntryOffset)

	for _, tt := range []struct {
		name    string
		hv      []byte
		options string
		tweak   func(t *testing.T, fw *efitest.Firmware)
		noACPI  bool
		want    efi.Status
	}{
		{
			name:  "bad system table CRC",
			hv:    stub,
			tweak: func(_ *testing.T, fw *efitest.Firmware) { fw.CorruptSystemTable() },
			want:  efi.LoadError,
		},
		{
			name: "no hypervisor section",
			hv:   nil,
			want: efi.NotFound,
		},
		{
			name:    "section name from options",
			hv:      stub,
			options: "--section=.vmm",
			want:    efi.NotFound,
		},
		{
			name: "no multiboot header",
			hv:   make([]byte, 0x1000),
			want: efi.LoadError,
		},
		{
			name: "load region in use",
			hv:   stub,
			tweak: func(t *testing.T, fw *efitest.Firmware) {
				t.Helper()

				if _, err := fw.AllocatePages(efi.AllocateAddress, efi.BootServicesData, 1, config.LoadBase+0x100000); err != nil {
					t.Fatal(err)
				}
			},
			want: efi.NotFound,
		},
		{
			name:    "bad options",
			hv:      stub,
			options: "--retries=0",
			want:    efi.InvalidParameter,
		},
		{
			name:   "no RSDP",
			hv:     stub,
			noACPI: true,
			want:   efi.NotFound,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fw *efitest.Firmware

			if tt.noACPI {
				fw = efitest.New(efitest.DefaultMap())
				if err := fw.SetImage(image(tt.hv), tt.options); err != nil {
					t.Fatal(err)
				}
			} else {
				fw = firmware(t, tt.hv, tt.options)
			}

			if tt.tweak != nil {
				tt.tweak(t, fw)
			}

			hw := efitest.NewCPU()

			var status efi.Status

			if !efitest.Run(func() { status = loader.Main(fw, hw) }) {
				t.Fatal("jumped to the hypervisor")
			}

			if status != tt.want {
				t.Errorf("status %s, want %s", status, tt.want)
			}

			if want := ": " + tt.want.String() + "\n"; !strings.HasSuffix(fw.Out.String(), want) {
				t.Errorf("console %q, want suffix %q", fw.Out.String(), want)
			}
		})
	}
}

func TestMainNoImage(t *testing.T) {
	t.Parallel()

	fw := efitest.New(efitest.DefaultMap())

	if s := loader.Main(fw, efitest.NewCPU()); s != efi.Unsupported {
		t.Errorf("status %s", s)
	}
}

func TestChainload(t *testing.T) {
	t.Parallel()

	path := config.LoaderDir + config.LoaderName

	for _, tt := range []struct {
		name    string
		file    bool
		options string
		start   error
		want    efi.Status
		started []string
		stalls  []time.Duration
	}{
		{
			name:    "default loader",
			file:    true,
			options: "--mode=chainload",
			want:    efi.Success,
			started: []string{path},
		},
		{
			name:    "missing loader",
			options: "--mode=chainload",
			want:    efi.NotFound,
			stalls:  []time.Duration{config.ChainloadStall},
		},
		{
			name:    "loader fails to start",
			file:    true,
			options: "--mode chainload",
			start:   efi.AccessDenied,
			want:    efi.AccessDenied,
			stalls:  []time.Duration{config.ChainloadStall},
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fw := firmware(t, nil, tt.options)
			fw.StartError = tt.start

			if tt.file {
				fw.AddFile(path, image(nil))
			}

			hw := efitest.NewCPU()

			if s := loader.Main(fw, hw); s != tt.want {
				t.Errorf("status %s, want %s", s, tt.want)
			}

			if hw.Jumped || hw.Captures != 0 {
				t.Error("chainload touched the hand-off")
			}

			if len(fw.Started) != len(tt.started) || (len(tt.started) > 0 && fw.Started[0] != tt.started[0]) {
				t.Errorf("started %q, want %q", fw.Started, tt.started)
			}

			if len(fw.Stalls) != len(tt.stalls) {
				t.Errorf("stalls %v, want %v", fw.Stalls, tt.stalls)
			}

			if tt.want == efi.Success && len(fw.Unloaded) != 1 {
				t.Errorf("unloaded %v", fw.Unloaded)
			}
		})
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	l := loader.New(efitest.New(efitest.DefaultMap()), efitest.NewCPU())

	if err := l.Setup(); err == nil {
		t.Error("Setup before Init succeeded")
	}

	if err := l.Boot(); err == nil {
		t.Error("Boot before Init succeeded")
	}
}
