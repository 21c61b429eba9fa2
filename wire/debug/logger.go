package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/gattd/wire/att"
)

// Capture writes human-readable JSON lines of ATT PDUs, one file per peer.
// These files are write-only and never read back by the server.
type Capture struct {
	dir     string
	enabled bool
	mu      sync.Mutex
	files   map[string]*os.File
}

// ATTPacketLog represents a logged ATT packet
type ATTPacketLog struct {
	Timestamp  string                 `json:"timestamp"`
	Direction  string                 `json:"direction"` // "tx" or "rx"
	Peer       string                 `json:"peer"`
	Opcode     string                 `json:"opcode"`
	OpcodeName string                 `json:"opcode_name"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"decode_error,omitempty"`
	RawHex     string                 `json:"raw_hex"`
}

// NewCapture creates a capture writing under dir. A disabled capture, or a
// nil *Capture, drops everything.
func NewCapture(dir string, enabled bool) *Capture {
	return &Capture{
		dir:     dir,
		enabled: enabled,
		files:   make(map[string]*os.File),
	}
}

// LogPDU appends one PDU to <dir>/<peer>.jsonl.
func (c *Capture) LogPDU(direction, peer string, pdu []byte) {
	if c == nil || !c.enabled || len(pdu) == 0 {
		return
	}

	entry := ATTPacketLog{
		Timestamp:  time.Now().Format(time.RFC3339Nano),
		Direction:  direction,
		Peer:       peer,
		Opcode:     fmt.Sprintf("0x%02X", pdu[0]),
		OpcodeName: att.OpcodeName(pdu[0]),
		RawHex:     hex.EncodeToString(pdu),
	}
	if pkt, err := att.DecodePacket(pdu); err != nil {
		entry.Error = err.Error()
	} else {
		entry.Data = describe(pkt)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.file(peer)
	if err != nil {
		return // Capture is best-effort
	}
	f.Write(append(line, '\n'))
}

// Close closes every open capture file.
func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for peer, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.files, peer)
	}
	return firstErr
}

// file returns the open file for peer. Caller holds c.mu.
func (c *Capture) file(peer string) (*os.File, error) {
	if f, ok := c.files[peer]; ok {
		return f, nil
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(c.dir, sanitize(peer)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	c.files[peer] = f
	return f, nil
}

func sanitize(peer string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, peer)
}

func hexHandle(h uint16) string {
	return fmt.Sprintf("0x%04X", h)
}

// describe extracts the interesting fields of a decoded packet
func describe(packet interface{}) map[string]interface{} {
	data := make(map[string]interface{})

	switch p := packet.(type) {
	case *att.ExchangeMTURequest:
		data["client_rx_mtu"] = p.ClientRxMTU

	case *att.ExchangeMTUResponse:
		data["server_rx_mtu"] = p.ServerRxMTU

	case *att.FindInformationRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)

	case *att.FindInformationResponse:
		data["format"] = p.Format()
		data["records"] = len(p.Entries)

	case *att.FindByTypeValueRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)
		data["type"] = hex.EncodeToString(p.Type)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.FindByTypeValueResponse:
		data["records"] = len(p.Handles)

	case *att.ReadByTypeRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)
		data["type"] = hex.EncodeToString(p.Type)

	case *att.ReadByTypeResponse:
		data["records"] = len(p.Entries)

	case *att.ReadByGroupTypeRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)
		data["type"] = hex.EncodeToString(p.Type)

	case *att.ReadByGroupTypeResponse:
		data["records"] = len(p.Entries)

	case *att.ReadRequest:
		data["handle"] = hexHandle(p.Handle)

	case *att.ReadResponse:
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.ReadBlobRequest:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset

	case *att.ReadBlobResponse:
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.ReadMultipleRequest:
		handles := make([]string, 0, len(p.Handles))
		for _, h := range p.Handles {
			handles = append(handles, hexHandle(h))
		}
		data["handles"] = handles

	case *att.ReadMultipleResponse:
		data["value_len"] = len(p.Values)

	case *att.WriteRequest:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.WriteCommand:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.PrepareWriteRequest:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset
		data["value_len"] = len(p.Value)

	case *att.PrepareWriteResponse:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset
		data["value_len"] = len(p.Value)

	case *att.ExecuteWriteRequest:
		data["flags"] = fmt.Sprintf("0x%02X", p.Flags)

	case *att.HandleValueNotification:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.HandleValueIndication:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.ErrorResponse:
		data["request_opcode"] = fmt.Sprintf("0x%02X", p.RequestOpcode)
		data["request_opcode_name"] = att.OpcodeName(p.RequestOpcode)
		data["handle"] = hexHandle(p.Handle)
		data["error_code"] = fmt.Sprintf("0x%02X", p.ErrorCode)
		data["error_name"] = att.ErrorNames[p.ErrorCode]
	}

	if len(data) == 0 {
		return nil
	}
	return data
}
