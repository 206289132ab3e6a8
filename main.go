//go:build tamago && amd64

package main

import (
	"runtime"
	_ "unsafe"

	"github.com/bobuhiro11/hvboot/cpu"
	"github.com/bobuhiro11/hvboot/efi"
	"github.com/bobuhiro11/hvboot/loader"
	"github.com/usbarmory/tamago/amd64"
	"github.com/usbarmory/tamago/soc/intel/uart"
	"k8s.io/klog/v2"
)

const com1 = 0x3f8

// set in entry_amd64.s
var (
	imageHandle uint64
	systemTable uint64
)

var (
	AMD64 = &amd64.CPU{}

	UART0 = &uart.UART{
		Index: 1,
		Base:  com1,
	}
)

//go:linkname ramStart runtime.ramStart
var ramStart uint64 = 0x40000000

//go:linkname ramSize runtime.ramSize
var ramSize uint64 = 0x10000000

//go:linkname nanotime1 runtime.nanotime1
func nanotime1() int64 {
	return int64(float64(AMD64.TimerFn())*AMD64.TimerMultiplier) + AMD64.TimerOffset
}

//go:linkname hwinit runtime.hwinit
func hwinit() {
	AMD64.Init()
	UART0.Init()

	runtime.Exit = func(_ int32) {
		AMD64.Reset()
	}
}

func main() {
	fw, err := efi.NewUEFI(imageHandle, systemTable)
	if err != nil {
		print("hvboot: ", err.Error(), "\n")

		return
	}

	klog.LogToStderr(false)
	klog.SetOutput(fw.Console())

	status := loader.Main(fw, cpu.Native{})

	klog.Flush()

	if err := fw.Exit(status); err != nil {
		print("hvboot: exit: ", err.Error(), "\n")
	}
}
