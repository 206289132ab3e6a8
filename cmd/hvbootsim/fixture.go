package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobuhiro11/hvboot/efi"
	"gopkg.in/yaml.v3"
)

var (
	errEmptyMap      = errors.New("memory map is empty")
	errUnaligned     = errors.New("region start is not page aligned")
	errEmptyRegion   = errors.New("region has no pages")
	errOverlap       = errors.New("regions overlap")
	errUnknownType   = errors.New("unknown memory type")
	errEntryOutside  = errors.New("entry offset outside the hypervisor blob")
	errBadDescriptor = errors.New("descriptor size below the firmware minimum")
)

// MemoryType is an efi.MemoryType written by name or number in fixtures.
type MemoryType efi.MemoryType

func (t *MemoryType) UnmarshalYAML(n *yaml.Node) error {
	for mt := efi.MemoryType(0); mt < efi.MaxMemoryType; mt++ {
		if strings.EqualFold(n.Value, mt.String()) {
			*t = MemoryType(mt)

			return nil
		}
	}

	var v uint32
	if err := n.Decode(&v); err != nil {
		return fmt.Errorf("line %d: %w %q", n.Line, errUnknownType, n.Value)
	}

	*t = MemoryType(v)

	return nil
}

// Region is one firmware memory descriptor.
type Region struct {
	Type      MemoryType `yaml:"type"`
	Start     uint64     `yaml:"start"`
	Pages     uint64     `yaml:"pages"`
	Attribute uint64     `yaml:"attribute"`
}

type ACPI struct {
	OEM      string `yaml:"oem"`
	Revision uint8  `yaml:"revision"`
}

// Hypervisor describes the blob placed in the application image.
type Hypervisor struct {
	Section  string `yaml:"section"`
	Omit     bool   `yaml:"omit"`
	Entry    uint64 `yaml:"entry"`
	NoHeader bool   `yaml:"no_header"`
	File     string `yaml:"file"`
}

// Expect is what a fixture asserts about its run.
type Expect struct {
	Status   string `yaml:"status"`
	Jump     bool   `yaml:"jump"`
	Entry    uint64 `yaml:"entry"`
	Entries  int    `yaml:"entries"`
	MapCalls int    `yaml:"map_calls"`
}

// Fixture is a firmware description replayed by the simulator.
type Fixture struct {
	Name           string     `yaml:"name"`
	DescriptorSize uint64     `yaml:"descriptor_size"`
	MemoryMap      []Region   `yaml:"memory_map"`
	ACPI           *ACPI      `yaml:"acpi"`
	TooSmall       int        `yaml:"too_small"`
	Options        string     `yaml:"options"`
	Hypervisor     Hypervisor `yaml:"hypervisor"`
	Loaders        []string   `yaml:"loaders"`
	Expect         *Expect    `yaml:"expect"`

	dir string
}

// LoadFixture reads and validates the fixture at path. Unknown keys are
// rejected.
func LoadFixture(path string) (*Fixture, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := ParseFixture(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	f.dir = filepath.Dir(path)

	return f, nil
}

func ParseFixture(b []byte) (*Fixture, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	f := &Fixture{}
	if err := dec.Decode(f); err != nil {
		return nil, err
	}

	if f.Hypervisor.Section == "" {
		f.Hypervisor.Section = ".hv"
	}

	if f.Hypervisor.Entry == 0 {
		f.Hypervisor.Entry = 0x210
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

// Validate checks that the memory map is something firmware could report.
func (f *Fixture) Validate() error {
	if len(f.MemoryMap) == 0 {
		return errEmptyMap
	}

	if f.DescriptorSize != 0 && f.DescriptorSize < efi.DescriptorSize {
		return fmt.Errorf("%w: %d", errBadDescriptor, f.DescriptorSize)
	}

	regions := append([]Region{}, f.MemoryMap...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	for i, r := range regions {
		if r.Start%efi.PageSize != 0 {
			return fmt.Errorf("%w: %#x", errUnaligned, r.Start)
		}

		if r.Pages == 0 {
			return fmt.Errorf("%w: %#x", errEmptyRegion, r.Start)
		}

		if efi.MemoryType(r.Type) >= efi.MaxMemoryType {
			return fmt.Errorf("%w: %d at %#x", errUnknownType, r.Type, r.Start)
		}

		if i > 0 {
			prev := regions[i-1]
			if prev.Start+prev.Pages*efi.PageSize > r.Start {
				return fmt.Errorf("%w: %#x and %#x", errOverlap, prev.Start, r.Start)
			}
		}
	}

	if f.Hypervisor.File == "" && f.Hypervisor.Entry+4 > stubSize {
		return fmt.Errorf("%w: %#x", errEntryOutside, f.Hypervisor.Entry)
	}

	return nil
}

// Descriptors returns the memory map in fixture order.
func (f *Fixture) Descriptors() []efi.MemoryDescriptor {
	descs := make([]efi.MemoryDescriptor, 0, len(f.MemoryMap))

	for _, r := range f.MemoryMap {
		descs = append(descs, efi.MemoryDescriptor{
			Type:          efi.MemoryType(r.Type),
			PhysicalStart: r.Start,
			NumberOfPages: r.Pages,
			Attribute:     r.Attribute,
		})
	}

	return descs
}

// Blob returns the hypervisor bytes, either from the referenced file or a
// generated stub.
func (f *Fixture) Blob() ([]byte, error) {
	h := f.Hypervisor

	if h.File != "" {
		path := h.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(f.dir, path)
		}

		return os.ReadFile(path)
	}

	return stub(h.Entry, !h.NoHeader), nil
}
