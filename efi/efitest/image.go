package efitest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/bobuhiro11/hvboot/multiboot"
)

const sectionAlign = 0x1000

// Section is a named chunk of a synthetic PE image.
type Section struct {
	Name string
	Data []byte
}

func align(n uint32) uint32 {
	return (n + sectionAlign - 1) &^ (sectionAlign - 1)
}

// BuildImage lays out a PE32+ EFI application whose file offsets equal its
// relative virtual addresses, so the file bytes are also the loaded image.
func BuildImage(sections ...Section) []byte {
	var buf bytes.Buffer

	dos := make([]byte, 0x40)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], uint32(len(dos)))
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader64{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	_ = binary.Write(&buf, binary.LittleEndian, fh)

	rva := uint32(sectionAlign)
	headers := make([]pe.SectionHeader32, len(sections))

	for i, s := range sections {
		size := align(uint32(len(s.Data)))
		if size == 0 {
			size = sectionAlign
		}

		copy(headers[i].Name[:], s.Name)
		headers[i].VirtualSize = uint32(len(s.Data))
		headers[i].VirtualAddress = rva
		headers[i].SizeOfRawData = size
		headers[i].PointerToRawData = rva
		headers[i].Characteristics = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ

		rva += size
	}

	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		AddressOfEntryPoint: sectionAlign,
		SectionAlignment:    sectionAlign,
		FileAlignment:       sectionAlign,
		SizeOfImage:         rva,
		SizeOfHeaders:       sectionAlign,
		Subsystem:           pe.IMAGE_SUBSYSTEM_EFI_APPLICATION,
		NumberOfRvaAndSizes: 16,
	}
	_ = binary.Write(&buf, binary.LittleEndian, oh)
	_ = binary.Write(&buf, binary.LittleEndian, headers)

	image := make([]byte, rva)
	copy(image, buf.Bytes())

	for i, s := range sections {
		copy(image[headers[i].VirtualAddress:], s.Data)
	}

	return image
}

// EntryCode is placed at the hypervisor entry of HypervisorStub:
// cli; hlt; jmp .-3
var EntryCode = []byte{0xfa, 0xf4, 0xeb, 0xfd}

// HypervisorStub returns a minimal hypervisor blob with a multiboot header
// at its start and EntryCode at entry.
func HypervisorStub(entry uint64) []byte {
	blob := make([]byte, sectionAlign)

	h := multiboot.NewHeader(multiboot.HeaderPageAlign | multiboot.HeaderMemoryInfo)
	copy(blob, h.Bytes())
	copy(blob[entry:], EntryCode)

	return blob
}
