//go:build tamago && amd64

package efi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf16"
	"unsafe"

	"github.com/usbarmory/tamago/dma"
)

// EFI Boot Services offsets
const (
	allocatePages  = 0x28
	freePages      = 0x30
	getMemoryMap   = 0x38
	handleProtocol = 0x98
	loadImage      = 0xc8
	startImage     = 0xd0
	exit           = 0xd8
	unloadImage    = 0xe0
	stall          = 0xf8
)

// EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL offsets
const outputString = 0x08

const (
	loadedImageSize = 96
	maxPathNodes    = 64
)

var errNullPointer = errors.New("null pointer")

// defined in call_tamago_amd64.s
func callService6(fn, a1, a2, a3, a4, a5, a6 uint64) uint64

func ptrval[T any](p *T) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

func parseStatus(status uint64) error {
	if s := Status(status); s != Success {
		return s
	}

	return nil
}

// UEFI implements Firmware on top of the boot services of the firmware that
// started the TamaGo runtime.
type UEFI struct {
	imageHandle  uint64
	systemTable  uint64
	bootServices uint64
	conOut       uint64
}

// NewUEFI binds to the image handle and system table passed to the
// application entry point.
func NewUEFI(imageHandle, systemTable uint64) (*UEFI, error) {
	if systemTable == 0 {
		return nil, fmt.Errorf("system table: %w", errNullPointer)
	}

	u := &UEFI{
		imageHandle: imageHandle,
		systemTable: systemTable,
	}

	raw := make([]byte, SystemTableSize)
	if _, err := u.ReadAt(raw, int64(systemTable)); err != nil {
		return nil, err
	}

	t := &SystemTable{}
	if _, err := binary.Decode(raw, binary.LittleEndian, t); err != nil {
		return nil, err
	}

	u.bootServices = t.BootServices
	u.conOut = t.ConOut

	return u, nil
}

func (u *UEFI) region(addr int64, n int) ([]byte, error) {
	if addr <= 0 {
		return nil, fmt.Errorf("address %#x: %w", addr, errNullPointer)
	}

	r, err := dma.NewRegion(uint(addr), n, false)
	if err != nil {
		return nil, err
	}

	_, buf := r.Reserve(n, 0)

	return buf, nil
}

// ReadAt implements io.ReaderAt over identity-mapped physical memory.
func (u *UEFI) ReadAt(p []byte, addr int64) (int, error) {
	buf, err := u.region(addr, len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt over identity-mapped physical memory.
func (u *UEFI) WriteAt(p []byte, addr int64) (int, error) {
	buf, err := u.region(addr, len(p))
	if err != nil {
		return 0, err
	}

	return copy(buf, p), nil
}

func (u *UEFI) call(offset uint64, args ...uint64) uint64 {
	var a [6]uint64
	copy(a[:], args)

	fn := make([]byte, 8)
	if _, err := u.ReadAt(fn, int64(u.bootServices+offset)); err != nil {
		return uint64(LoadError)
	}

	return callService6(binary.LittleEndian.Uint64(fn), a[0], a[1], a[2], a[3], a[4], a[5])
}

func (u *UEFI) SystemTable() uint64 {
	return u.systemTable
}

// GetMemoryMap calls EFI_BOOT_SERVICES.GetMemoryMap().
func (u *UEFI) GetMemoryMap(addr, size uint64) (MapInfo, error) {
	var (
		key      uint64
		descSize uint64
		version  uint32
	)

	mapSize := size
	status := u.call(getMemoryMap,
		ptrval(&mapSize),
		addr,
		ptrval(&key),
		ptrval(&descSize),
		ptrval(&version),
	)

	info := MapInfo{
		Size:              mapSize,
		Key:               key,
		DescriptorSize:    descSize,
		DescriptorVersion: version,
	}

	return info, parseStatus(status)
}

// AllocatePages calls EFI_BOOT_SERVICES.AllocatePages().
func (u *UEFI) AllocatePages(t AllocateType, mt MemoryType, pages, addr uint64) (uint64, error) {
	status := u.call(allocatePages,
		uint64(t),
		uint64(mt),
		pages,
		ptrval(&addr),
	)

	return addr, parseStatus(status)
}

// FreePages calls EFI_BOOT_SERVICES.FreePages().
func (u *UEFI) FreePages(addr, pages uint64) error {
	return parseStatus(u.call(freePages, addr, pages))
}

func (u *UEFI) protocol(handle uint64, guid GUID) (uint64, error) {
	var iface uint64

	status := u.call(handleProtocol, handle, ptrval(&guid), ptrval(&iface))
	if err := parseStatus(status); err != nil {
		return 0, fmt.Errorf("HandleProtocol(%s): %w", guid, err)
	}

	if iface == 0 {
		return 0, fmt.Errorf("protocol %s: %w", guid, errNullPointer)
	}

	return iface, nil
}

// LoadedImage reads the EFI_LOADED_IMAGE_PROTOCOL of the running image.
func (u *UEFI) LoadedImage() (*LoadedImage, error) {
	iface, err := u.protocol(u.imageHandle, LoadedImageProtocolGUID)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, loadedImageSize)
	if _, err := u.ReadAt(raw, int64(iface)); err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	img := &LoadedImage{
		Handle:       Handle(u.imageHandle),
		ParentHandle: Handle(le.Uint64(raw[8:])),
		DeviceHandle: Handle(le.Uint64(raw[24:])),
		ImageBase:    le.Uint64(raw[64:]),
		ImageSize:    le.Uint64(raw[72:]),
		CodeType:     MemoryType(le.Uint32(raw[80:])),
		DataType:     MemoryType(le.Uint32(raw[84:])),
	}

	if n, ptr := le.Uint32(raw[48:]), le.Uint64(raw[56:]); n > 0 && ptr != 0 {
		opts := make([]byte, n)
		if _, err := u.ReadAt(opts, int64(ptr)); err != nil {
			return nil, err
		}

		img.LoadOptions = decodeUTF16(opts)
	}

	return img, nil
}

func decodeUTF16(b []byte) string {
	s := make([]uint16, len(b)/2)
	for i := range s {
		s[i] = binary.LittleEndian.Uint16(b[2*i:])
	}

	return strings.TrimRight(string(utf16.Decode(s)), "\x00")
}

func encodeUTF16(s string) []byte {
	u := utf16.Encode([]rune(s + "\x00"))
	b := make([]byte, 2*len(u))

	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}

	return b
}

// devicePath returns the device path of the device the image was loaded
// from, without its end node.
func (u *UEFI) devicePath(device uint64) ([]byte, error) {
	addr, err := u.protocol(device, DevicePathProtocolGUID)
	if err != nil {
		return nil, err
	}

	var path []byte

	for i := 0; i < maxPathNodes; i++ {
		hdr := make([]byte, 4)
		if _, err := u.ReadAt(hdr, int64(addr)); err != nil {
			return nil, err
		}

		if hdr[0] == 0x7f && hdr[1] == 0xff {
			return path, nil
		}

		n := binary.LittleEndian.Uint16(hdr[2:])
		if n < 4 {
			return nil, fmt.Errorf("device path node length %d: %w", n, InvalidParameter)
		}

		node := make([]byte, n)
		if _, err := u.ReadAt(node, int64(addr)); err != nil {
			return nil, err
		}

		path = append(path, node...)
		addr += uint64(n)
	}

	return nil, fmt.Errorf("device path too long: %w", InvalidParameter)
}

// fileDevicePath appends a media file path node and an end node.
func fileDevicePath(prefix []byte, name string) []byte {
	str := encodeUTF16(name)

	node := make([]byte, 4, 4+len(str))
	node[0] = 0x04
	node[1] = 0x04
	binary.LittleEndian.PutUint16(node[2:], uint16(4+len(str)))
	node = append(node, str...)

	path := append([]byte{}, prefix...)
	path = append(path, node...)

	return append(path, 0x7f, 0xff, 0x04, 0x00)
}

// LoadImage calls EFI_BOOT_SERVICES.LoadImage() for a file on the device
// the running image was loaded from.
func (u *UEFI) LoadImage(path string) (Handle, error) {
	img, err := u.LoadedImage()
	if err != nil {
		return 0, err
	}

	prefix, err := u.devicePath(uint64(img.DeviceHandle))
	if err != nil {
		return 0, err
	}

	dp := fileDevicePath(prefix, path)

	var h uint64

	status := u.call(loadImage,
		0,
		u.imageHandle,
		ptrval(&dp[0]),
		0,
		0,
		ptrval(&h),
	)

	return Handle(h), parseStatus(status)
}

// StartImage calls EFI_BOOT_SERVICES.StartImage().
func (u *UEFI) StartImage(h Handle) error {
	return parseStatus(u.call(startImage, uint64(h), 0, 0))
}

// UnloadImage calls EFI_BOOT_SERVICES.UnloadImage().
func (u *UEFI) UnloadImage(h Handle) error {
	return parseStatus(u.call(unloadImage, uint64(h)))
}

// Stall calls EFI_BOOT_SERVICES.Stall().
func (u *UEFI) Stall(d time.Duration) {
	u.call(stall, uint64(d/time.Microsecond))
}

// Exit calls EFI_BOOT_SERVICES.Exit().
func (u *UEFI) Exit(status Status) error {
	return parseStatus(u.call(exit, u.imageHandle, uint64(status), 0, 0))
}

// Console returns a writer to the firmware text console.
func (u *UEFI) Console() io.Writer {
	return &console{u: u}
}

type console struct {
	u *UEFI
}

func (c *console) Write(p []byte) (int, error) {
	if c.u.conOut == 0 {
		return 0, fmt.Errorf("console: %w", errNullPointer)
	}

	s := encodeUTF16(strings.ReplaceAll(string(p), "\n", "\r\n"))

	fn := make([]byte, 8)
	if _, err := c.u.ReadAt(fn, int64(c.u.conOut+outputString)); err != nil {
		return 0, err
	}

	status := callService6(binary.LittleEndian.Uint64(fn), c.u.conOut, ptrval(&s[0]), 0, 0, 0, 0)
	if err := parseStatus(status); err != nil {
		return 0, err
	}

	return len(p), nil
}
