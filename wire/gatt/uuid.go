package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Well-known GATT UUIDs (16-bit, little-endian)
var (
	// Service UUIDs
	UUIDPrimaryService   = []byte{0x00, 0x28} // 0x2800
	UUIDSecondaryService = []byte{0x01, 0x28} // 0x2801
	UUIDInclude          = []byte{0x02, 0x28} // 0x2802
	UUIDCharacteristic   = []byte{0x03, 0x28} // 0x2803

	// Descriptor UUIDs
	UUIDCharExtProps               = []byte{0x00, 0x29} // 0x2900
	UUIDCharUserDescription        = []byte{0x01, 0x29} // 0x2901
	UUIDClientCharacteristicConfig = []byte{0x02, 0x29} // 0x2902 (CCCD)
	UUIDServerCharacteristicConfig = []byte{0x03, 0x29} // 0x2903
	UUIDCharPresentationFormat     = []byte{0x04, 0x29} // 0x2904

	// Mandatory services and their characteristics
	UUIDGenericAccess    = []byte{0x00, 0x18} // 0x1800
	UUIDGenericAttribute = []byte{0x01, 0x18} // 0x1801
	UUIDDeviceName       = []byte{0x00, 0x2A} // 0x2A00
	UUIDAppearance       = []byte{0x01, 0x2A} // 0x2A01
	UUIDServiceChanged   = []byte{0x05, 0x2A} // 0x2A05
)

// baseUUID is 00000000-0000-1000-8000-00805F9B34FB in little-endian order.
// A 16-bit UUID occupies bytes 12 and 13.
var baseUUID = [16]byte{
	0xFB, 0x34, 0x9B, 0x5F, 0x80, 0x00, 0x00, 0x80,
	0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// UUID16 creates a 16-bit UUID in little-endian format
func UUID16(val uint16) []byte {
	return []byte{byte(val), byte(val >> 8)}
}

// UUID128 expands a 16-bit short UUID onto the Bluetooth base UUID
func UUID128(shortUUID uint16) []byte {
	u := baseUUID
	binary.LittleEndian.PutUint16(u[12:14], shortUUID)
	return u[:]
}

// IsUUID16 checks if a UUID is 16-bit (2 bytes)
func IsUUID16(u []byte) bool {
	return len(u) == 2
}

// IsUUID128 checks if a UUID is 128-bit (16 bytes)
func IsUUID128(u []byte) bool {
	return len(u) == 16
}

// expand returns the 128-bit form of a 2 or 16 byte UUID.
func expand(u []byte) []byte {
	if IsUUID16(u) {
		return UUID128(binary.LittleEndian.Uint16(u))
	}
	return u
}

// UUIDEqual compares two UUIDs, treating a 16-bit UUID as equal to its
// base-UUID expansion.
func UUIDEqual(a, b []byte) bool {
	if len(a) == len(b) {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(expand(a), expand(b))
}

// ShortUUID returns the 16-bit form of u if it has one.
func ShortUUID(u []byte) (uint16, bool) {
	switch len(u) {
	case 2:
		return binary.LittleEndian.Uint16(u), true
	case 16:
		if bytes.Equal(u[:12], baseUUID[:12]) && bytes.Equal(u[14:], baseUUID[14:]) {
			return binary.LittleEndian.Uint16(u[12:14]), true
		}
	}
	return 0, false
}

// ParseUUID accepts "180F", "0x180F" or a canonical 128-bit string and
// returns the little-endian wire form.
func ParseUUID(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(trimmed) <= 4 {
		v, err := strconv.ParseUint(trimmed, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("gatt: invalid 16-bit UUID %q: %w", s, err)
		}
		return UUID16(uint16(v)), nil
	}

	parsed, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("gatt: invalid UUID %q: %w", s, err)
	}
	le := make([]byte, 16)
	for i := range parsed {
		le[15-i] = parsed[i]
	}
	return le, nil
}

// UUIDString renders a wire-order UUID: "0x180F" for 16-bit UUIDs, the
// canonical form otherwise.
func UUIDString(u []byte) string {
	switch len(u) {
	case 2:
		return fmt.Sprintf("0x%04X", binary.LittleEndian.Uint16(u))
	case 16:
		var be uuid.UUID
		for i := range be {
			be[i] = u[15-i]
		}
		return strings.ToUpper(be.String())
	default:
		return fmt.Sprintf("%x", u)
	}
}
