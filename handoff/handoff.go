package handoff

import (
	"fmt"
	"math"

	"github.com/bobuhiro11/hvboot/acpi"
	"github.com/bobuhiro11/hvboot/config"
	"github.com/bobuhiro11/hvboot/cpu"
	"github.com/bobuhiro11/hvboot/e820"
	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/multiboot"
	"github.com/bobuhiro11/hvboot/peimage"
	"k8s.io/klog/v2"
)

// below4G is the highest address reachable through the 32-bit pointers of
// the information block.
const below4G = math.MaxUint32

// Handoff owns one attempt at starting the hypervisor.
type Handoff struct {
	svc *efi.Services
	hw  cpu.Hardware
	cfg config.Config
}

func New(svc *efi.Services, hw cpu.Hardware, cfg config.Config) *Handoff {
	return &Handoff{
		svc: svc,
		hw:  hw,
		cfg: cfg,
	}
}

// Run builds the boot information and jumps to the hypervisor, which must
// already be in place at the load base. It only returns on failure. Buffers
// allocated before a failure are left to the firmware.
func (h *Handoff) Run() error {
	state, err := h.svc.AllocateBelow(efi.LoaderData, uint64(cpu.StateSize), below4G)
	if err != nil {
		return fmt.Errorf("cpu state: %w", err)
	}

	info, err := h.svc.AllocateBelow(efi.LoaderData, multiboot.InfoBufferSize, below4G)
	if err != nil {
		return fmt.Errorf("boot information: %w", err)
	}

	mmap, err := h.svc.AllocateBelow(efi.LoaderData, multiboot.MmapBufferSize, below4G)
	if err != nil {
		return fmt.Errorf("memory map buffer: %w", err)
	}

	tables, err := h.svc.ConfigurationTables()
	if err != nil {
		return err
	}

	root, err := acpi.Locate(tables)
	if err != nil {
		return err
	}

	h.checkRSDP(root)

	mm, err := h.svc.MemoryMap()
	if err != nil {
		return fmt.Errorf("memory map: %w", err)
	}

	m := e820.Translate(mm.Descriptors, h.cfg.Load)
	klog.V(1).Infof("e820: %d entries from %d descriptors", len(m), len(mm.Descriptors))

	if err := h.svc.AllocateAt(efi.ReservedMemoryType, h.cfg.Low.Base, h.cfg.Low.Size); err != nil {
		return fmt.Errorf("low memory: %w", err)
	}

	layout := multiboot.Layout{Info: info, Mmap: mmap, State: state}

	if err := h.writeInfo(m, layout); err != nil {
		return err
	}

	h.logEntry()

	// Nothing between the capture and the jump may log or call the firmware.
	s := &cpu.State{RSDP: root.Addr}
	h.hw.Capture(s)

	raw, err := s.Bytes()
	if err != nil {
		return fmt.Errorf("cpu state: %w", err)
	}

	if err := h.svc.WriteAt(raw, state); err != nil {
		return fmt.Errorf("cpu state: %w", err)
	}

	Transfer(h.hw, h.cfg.Entry(), info)

	return nil
}

func (h *Handoff) writeInfo(m e820.Map, l multiboot.Layout) error {
	mi, err := multiboot.Assemble(m, h.cfg.Cmdline, l)
	if err != nil {
		return err
	}

	entries, err := multiboot.MmapBytes(m)
	if err != nil {
		return err
	}

	b, err := mi.Bytes()
	if err != nil {
		return err
	}

	for _, w := range []struct {
		data []byte
		addr uint64
	}{
		{entries, l.Mmap},
		{b, l.Info},
		{multiboot.Cmdline(h.cfg.Cmdline), uint64(mi.Cmdline)},
	} {
		if err := h.svc.WriteAt(w.data, w.addr); err != nil {
			return fmt.Errorf("boot information: %w", err)
		}
	}

	return nil
}

func (h *Handoff) checkRSDP(root acpi.Root) {
	rsdp, err := acpi.ReadRSDP(h.svc.Firmware(), root.Addr)
	if err != nil {
		klog.Warningf("ACPI: %v", err)
	}

	if rsdp == nil {
		return
	}

	klog.Infof("ACPI: RSDP %#x revision %d OEM %q", root.Addr, rsdp.Revision, rsdp.OEM())

	addr, sig := uint64(rsdp.RSDTAddr), acpi.SigRSDT
	if rsdp.Revision >= 2 && rsdp.XSDTAddr != 0 {
		addr, sig = rsdp.XSDTAddr, acpi.SigXSDT
	}

	if addr == 0 {
		return
	}

	hdr, err := acpi.ReadHeader(h.svc.Firmware(), addr)
	if err != nil {
		klog.Warningf("ACPI: %v", err)

		return
	}

	if hdr.Signature != sig.ToBytes() {
		klog.Warningf("ACPI: table at %#x is %q, want %s", addr, hdr.Signature[:], sig)

		return
	}

	klog.V(1).Infof("ACPI: %s", hdr)
}

func (h *Handoff) logEntry() {
	entry := h.cfg.Entry()

	klog.V(1).Infof("cpu: %s, long mode %v", cpu.Vendor(), cpu.LongModeSupported())

	if !klog.V(2).Enabled() {
		return
	}

	code := make([]byte, 32)
	if err := h.svc.ReadAt(code, entry); err != nil {
		klog.Warningf("entry: %v", err)

		return
	}

	insts, err := peimage.Disassemble(code, entry, 4)
	for _, s := range insts {
		klog.V(2).Infof("entry: %s", s)
	}

	if err != nil {
		klog.V(2).Infof("entry: %v", err)
	}
}
