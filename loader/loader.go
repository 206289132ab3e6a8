// Package loader is the firmware application: it places the hypervisor at its
// link address and hands the machine over, or chain-loads the OS loader.
package loader

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/hvboot/config"
	"github.com/bobuhiro11/hvboot/cpu"
	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/handoff"
	"github.com/bobuhiro11/hvboot/multiboot"
	"github.com/bobuhiro11/hvboot/peimage"
	"k8s.io/klog/v2"
)

var errNotInitialized = errors.New("loader not initialized")

type Loader struct {
	fw    efi.Firmware
	hw    cpu.Hardware
	svc   *efi.Services
	image *efi.LoadedImage

	config.Config
}

func New(fw efi.Firmware, hw cpu.Hardware) *Loader {
	return &Loader{
		fw: fw,
		hw: hw,
	}
}

// Init verifies the system table and reads the load options.
func (l *Loader) Init() error {
	svc, err := efi.New(l.fw)
	if err != nil {
		return err
	}

	img, err := svc.LoadedImage()
	if err != nil {
		return err
	}

	c, err := config.Parse(img.LoadOptions)
	if err != nil {
		return err
	}

	if err := config.SetVerbosity(c.Verbosity); err != nil {
		klog.Warningf("verbosity: %v", err)
	}

	svc.MapAttempts = c.MapAttempts

	klog.V(1).Infof("image at %#x, %#x bytes, mode %s", img.ImageBase, img.ImageSize, c.Mode)

	l.svc = svc
	l.image = img
	l.Config = c

	return nil
}

// Setup copies the hypervisor section to the load base and checks its
// multiboot header. Nothing is done in chainload mode.
func (l *Loader) Setup() error {
	if l.svc == nil {
		return errNotInitialized
	}

	if l.Mode != config.ModeHypervisor {
		return nil
	}

	sect, err := peimage.FindSection(l.fw, l.image.ImageBase, l.image.ImageSize, l.Section)
	if err != nil {
		return err
	}

	if sect.Size > l.Load.Size {
		return fmt.Errorf("%w: section %s is %#x bytes, region is %#x", efi.BufferTooSmall, sect.Name, sect.Size, l.Load.Size)
	}

	if err := l.svc.AllocateAt(efi.ReservedMemoryType, l.Load.Base, l.Load.Size); err != nil {
		return fmt.Errorf("hypervisor region: %w", err)
	}

	hv := make([]byte, sect.Size)
	if err := l.svc.ReadAt(hv, l.image.ImageBase+sect.RVA); err != nil {
		return err
	}

	_, off, err := multiboot.FindHeader(hv)
	if err != nil {
		return err
	}

	klog.V(1).Infof("multiboot header at offset %#x", off)

	if err := l.svc.WriteAt(hv, l.Load.Base); err != nil {
		return err
	}

	klog.Infof("hypervisor: %#x bytes from %s at %#x", sect.Size, sect.Name, l.Load.Base)

	return nil
}

// Boot starts the hypervisor and does not return on success. In chainload
// mode it runs the OS loader and returns once that exits.
func (l *Loader) Boot() error {
	if l.svc == nil {
		return errNotInitialized
	}

	if l.Mode == config.ModeChainload {
		return l.chainload()
	}

	return handoff.New(l.svc, l.hw, l.Config).Run()
}

func (l *Loader) chainload() error {
	klog.Infof("starting %s", l.Loader)

	h, err := l.fw.LoadImage(l.Loader)
	if err != nil {
		l.fw.Stall(config.ChainloadStall)

		return fmt.Errorf("load %s: %w", l.Loader, err)
	}

	if err := l.fw.StartImage(h); err != nil {
		l.fw.Stall(config.ChainloadStall)

		return fmt.Errorf("start %s: %w", l.Loader, err)
	}

	if err := l.fw.UnloadImage(h); err != nil {
		klog.Warningf("unload %s: %v", l.Loader, err)
	}

	return nil
}

// Main runs the application and returns the status to hand back to the
// firmware. Failures are also reported on the firmware console.
func Main(fw efi.Firmware, hw cpu.Hardware) efi.Status {
	l := New(fw, hw)

	for _, step := range []func() error{l.Init, l.Setup, l.Boot} {
		if err := step(); err != nil {
			status := efi.StatusOf(err)

			klog.Errorf("%v", err)
			fmt.Fprintf(fw.Console(), ": %s\n", status)

			return status
		}
	}

	return efi.Success
}
