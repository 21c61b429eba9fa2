package l2cap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// maxIdentityLen bounds the identity string sent during the handshake.
const maxIdentityLen = 256

// ErrBearerClosed is returned by operations on a closed bearer.
var ErrBearerClosed = errors.New("l2cap: bearer closed")

// Bearer is a reliable, ordered channel that carries one ATT PDU at a time.
type Bearer interface {
	// ReadPDU blocks until the next ATT PDU arrives.
	ReadPDU() ([]byte, error)
	// WritePDU sends one ATT PDU.
	WritePDU(pdu []byte) error
	Close() error
}

// ConnBearer frames ATT PDUs as L2CAP basic frames on the ATT channel over a
// stream connection. Frames for other channels are counted and skipped.
type ConnBearer struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	skipped atomic.Int64
}

// NewConnBearer wraps conn.
func NewConnBearer(conn net.Conn) *ConnBearer {
	return &ConnBearer{conn: conn}
}

// ReadPDU implements Bearer.
func (b *ConnBearer) ReadPDU() ([]byte, error) {
	for {
		pkt, err := ReadPacket(b.conn)
		if err != nil {
			if b.closed.Load() {
				return nil, ErrBearerClosed
			}
			return nil, err
		}
		if pkt.ChannelID != ChannelATT {
			b.skipped.Add(1)
			continue
		}
		return pkt.Payload, nil
	}
}

// WritePDU implements Bearer.
func (b *ConnBearer) WritePDU(pdu []byte) error {
	if b.closed.Load() {
		return ErrBearerClosed
	}
	if len(pdu) > 0xFFFF {
		return fmt.Errorf("l2cap: PDU too large (%d bytes)", len(pdu))
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := b.conn.Write(NewATTPacket(pdu).Encode())
	return err
}

// Close implements Bearer.
func (b *ConnBearer) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.conn.Close()
}

// Skipped returns the number of non-ATT frames discarded so far.
func (b *ConnBearer) Skipped() int64 {
	return b.skipped.Load()
}

// RemoteAddr returns the underlying connection's remote address.
func (b *ConnBearer) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}

// WriteIdentity sends the connecting side's identity: a 4 byte big-endian
// length followed by the identity string.
func WriteIdentity(w io.Writer, id string) error {
	if len(id) == 0 || len(id) > maxIdentityLen {
		return fmt.Errorf("l2cap: invalid identity length %d", len(id))
	}
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(id)))
	copy(buf[4:], id)
	_, err := w.Write(buf)
	return err
}

// ReadIdentity reads the identity written by WriteIdentity.
func ReadIdentity(r io.Reader) (string, error) {
	var idLen uint32
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return "", fmt.Errorf("l2cap: read identity length: %w", err)
	}
	if idLen == 0 || idLen > maxIdentityLen {
		return "", fmt.Errorf("l2cap: invalid identity length %d", idLen)
	}

	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", fmt.Errorf("l2cap: read identity: %w", err)
	}
	return string(id), nil
}
