package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bobuhiro11/hvboot/config"
	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/efi/efitest"
	"github.com/bobuhiro11/hvboot/handoff"
	"github.com/bobuhiro11/hvboot/loader"
	"github.com/bobuhiro11/hvboot/peimage"
)

const stubSize = 0x1000

var errExpectation = errors.New("expectation not met")

func stub(entry uint64, header bool) []byte {
	b := efitest.HypervisorStub(entry)
	if !header {
		clear(b[:12])
	}

	return b
}

// Result is the outcome of one simulated boot.
type Result struct {
	Name     string
	Status   efi.Status
	Jumped   bool
	Entry    uint64
	Magic    uint32
	Info     uint64
	Boot     *handoff.Boot
	Code     []string
	Console  string
	MapCalls int
	Started  []string
}

// Simulate boots the application on firmware built from f. Physical memory
// is mem, or a sparse in-process memory when mem is nil.
func Simulate(f *Fixture, mem efi.Memory, extraOptions string) (*Result, error) {
	if mem == nil {
		mem = efitest.NewMemory()
	}

	fw := efitest.NewWithMemory(mem, f.Descriptors())

	if f.DescriptorSize != 0 {
		fw.SetDescriptorSize(f.DescriptorSize)
	}

	fw.TooSmall = f.TooSmall

	if f.ACPI != nil {
		fw.InstallACPI(f.ACPI.OEM, f.ACPI.Revision)
	}

	sections := []efitest.Section{
		{Name: ".text", Data: bytes.Repeat([]byte{0xcc}, 0x400)},
	}

	if !f.Hypervisor.Omit {
		blob, err := f.Blob()
		if err != nil {
			return nil, err
		}

		sections = append(sections, efitest.Section{Name: f.Hypervisor.Section, Data: blob})
	}

	options := f.Options
	if extraOptions != "" {
		options += " " + extraOptions
	}

	if err := fw.SetImage(efitest.BuildImage(sections...), options); err != nil {
		return nil, err
	}

	for _, name := range f.Loaders {
		fw.AddFile(config.LoaderDir+name, efitest.BuildImage())
	}

	hw := efitest.NewCPU()
	r := &Result{Name: f.Name}

	// Counted before the run so the application's own reads are isolated.
	calls := fw.Calls.GetMemoryMap

	r.Jumped = !efitest.Run(func() {
		r.Status = loader.Main(fw, hw)
	})

	r.MapCalls = fw.Calls.GetMemoryMap - calls
	r.Console = fw.Out.String()
	r.Started = fw.Started

	if !r.Jumped {
		return r, nil
	}

	r.Entry, r.Magic, r.Info = hw.Entry, hw.Magic, hw.Info

	b, err := handoff.Inspect(fw, hw.Info)
	if err != nil {
		return r, fmt.Errorf("boot information: %w", err)
	}

	r.Boot = b

	code := make([]byte, 16)
	if _, err := fw.ReadAt(code, int64(hw.Entry)); err != nil {
		return r, err
	}

	r.Code, _ = peimage.Disassemble(code, hw.Entry, 3)

	return r, nil
}

// Check compares r against the fixture's expectations.
func (r *Result) Check(e *Expect) error {
	if e == nil {
		return nil
	}

	var errs []error

	if e.Status != "" && e.Status != r.Status.String() {
		errs = append(errs, fmt.Errorf("%w: status %q, want %q", errExpectation, r.Status, e.Status))
	}

	if e.Jump != r.Jumped {
		errs = append(errs, fmt.Errorf("%w: jumped %v, want %v", errExpectation, r.Jumped, e.Jump))
	}

	if e.Entry != 0 && e.Entry != r.Entry {
		errs = append(errs, fmt.Errorf("%w: entry %#x, want %#x", errExpectation, r.Entry, e.Entry))
	}

	if e.Entries != 0 && (r.Boot == nil || len(r.Boot.Map) != e.Entries) {
		n := 0
		if r.Boot != nil {
			n = len(r.Boot.Map)
		}

		errs = append(errs, fmt.Errorf("%w: %d map entries, want %d", errExpectation, n, e.Entries))
	}

	if e.MapCalls != 0 && e.MapCalls != r.MapCalls {
		errs = append(errs, fmt.Errorf("%w: %d GetMemoryMap calls, want %d", errExpectation, r.MapCalls, e.MapCalls))
	}

	return errors.Join(errs...)
}
