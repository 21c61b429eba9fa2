package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L2CAP Channel IDs
const (
	ChannelNULL      uint16 = 0x0000 // Reserved/Null
	ChannelSignaling uint16 = 0x0001 // ACL-U signaling
	ChannelATT       uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal  uint16 = 0x0005 // LE L2CAP Signaling
	ChannelSMP       uint16 = 0x0006 // Security Manager Protocol
)

// Default MTU sizes
const (
	DefaultMTU     = 23  // Default ATT MTU (23 bytes)
	MinMTU         = 23  // Minimum allowed MTU
	MaxMTU         = 517 // Maximum ATT MTU
	L2CAPHeaderLen = 4   // Length (2 bytes) + Channel ID (2 bytes)
)

// Packet represents an L2CAP basic frame
// Format: [Length: 2 bytes] [Channel ID: 2 bytes] [Payload: N bytes]
type Packet struct {
	ChannelID uint16 // L2CAP channel identifier
	Payload   []byte // The actual data (ATT/SMP/etc.)
}

// Encode serializes an L2CAP packet to binary format
func (p *Packet) Encode() []byte {
	buf := make([]byte, L2CAPHeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[4:], p.Payload)
	return buf
}

// Decode parses binary data into an L2CAP packet
func Decode(data []byte) (*Packet, error) {
	if len(data) < L2CAPHeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", L2CAPHeaderLen, len(data))
	}

	length := binary.LittleEndian.Uint16(data[0:2])
	channelID := binary.LittleEndian.Uint16(data[2:4])

	if len(data) != L2CAPHeaderLen+int(length) {
		return nil, fmt.Errorf("l2cap: length mismatch (claimed %d, got %d)", length, len(data)-L2CAPHeaderLen)
	}

	payload := make([]byte, length)
	copy(payload, data[4:])

	return &Packet{
		ChannelID: channelID,
		Payload:   payload,
	}, nil
}

// ReadPacket reads exactly one frame from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [L2CAPHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint16(hdr[0:2])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("l2cap: truncated frame: %w", err)
	}

	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(hdr[2:4]),
		Payload:   payload,
	}, nil
}

// NewATTPacket creates an L2CAP packet for the ATT channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{
		ChannelID: ChannelATT,
		Payload:   payload,
	}
}
