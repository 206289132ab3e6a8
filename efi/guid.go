package efi

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// GUID is an EFI_GUID in firmware byte order: the first three fields are
// little-endian, the trailing eight bytes are stored as-is.
type GUID [16]byte

// GUIDFromUUID converts a canonical (big-endian) UUID into firmware order.
func GUIDFromUUID(u uuid.UUID) GUID {
	var g GUID

	binary.LittleEndian.PutUint32(g[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(g[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(g[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(g[8:], u[8:])

	return g
}

// MustParseGUID parses the textual form of a GUID and panics on error.
func MustParseGUID(s string) GUID {
	return GUIDFromUUID(uuid.MustParse(s))
}

// UUID returns g in canonical byte order.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID

	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(g[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(g[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(g[6:8]))
	copy(u[8:], g[8:])

	return u
}

func (g GUID) String() string {
	return g.UUID().String()
}

var (
	LoadedImageProtocolGUID = MustParseGUID("5b1b31a1-9562-11d2-8e3f-00a0c969723b")
	DevicePathProtocolGUID  = MustParseGUID("09576e91-6d3f-11d2-8e39-00a0c969723b")
)
