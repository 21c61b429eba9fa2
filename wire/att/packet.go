package att

import (
	"encoding/binary"
	"fmt"
)

// MTU Exchange Request/Response (Opcodes 0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16 // Client's maximum receive MTU
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16 // Server's maximum receive MTU
}

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8  // The opcode that caused the error
	Handle        uint16 // The handle that caused the error
	ErrorCode     uint8  // The error code
}

// Err converts the response into an *Error.
func (r *ErrorResponse) Err() *Error {
	return NewError(r.ErrorCode, r.RequestOpcode, r.Handle)
}

// Find Information Request/Response (Opcodes 0x04/0x05)
type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

// HandleUUID is one Find Information record.
type HandleUUID struct {
	Handle uint16
	UUID   []byte // 2 or 16 bytes, little-endian
}

// FindInformationResponse carries records that all share one UUID size.
type FindInformationResponse struct {
	Entries []HandleUUID
}

// Format returns FormatUUID16 or FormatUUID128 according to the record UUID size.
func (r *FindInformationResponse) Format() uint8 {
	if len(r.Entries) > 0 && len(r.Entries[0].UUID) == 16 {
		return FormatUUID128
	}
	return FormatUUID16
}

// Find By Type Value Request/Response (Opcodes 0x06/0x07)
type FindByTypeValueRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // always a 16-bit UUID on the wire
	Value       []byte
}

// HandlesInfo is one Find By Type Value record.
type HandlesInfo struct {
	FoundHandle    uint16
	GroupEndHandle uint16
}

type FindByTypeValueResponse struct {
	Handles []HandlesInfo
}

// Read By Type Request/Response (Opcodes 0x08/0x09)
type ReadByTypeRequest struct {
	StartHandle uint16 // First handle to read
	EndHandle   uint16 // Last handle to read
	Type        []byte // 2 or 16 byte UUID
}

// AttributeData is one Read By Type record.
type AttributeData struct {
	Handle uint16
	Value  []byte
}

// ReadByTypeResponse carries records whose values all have the same length.
type ReadByTypeResponse struct {
	Entries []AttributeData
}

// Read Request/Response (Opcodes 0x0A/0x0B)
type ReadRequest struct {
	Handle uint16 // Handle of the attribute to read
}

type ReadResponse struct {
	Value []byte // The value of the attribute
}

// Read Blob Request/Response (Opcodes 0x0C/0x0D)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

type ReadBlobResponse struct {
	Value []byte
}

// Read Multiple Request/Response (Opcodes 0x0E/0x0F)
type ReadMultipleRequest struct {
	Handles []uint16 // at least two
}

type ReadMultipleResponse struct {
	Values []byte // concatenated values
}

// Read By Group Type Request/Response (Opcodes 0x10/0x11) - used for service discovery
type ReadByGroupTypeRequest struct {
	StartHandle uint16 // First handle to search
	EndHandle   uint16 // Last handle to search
	Type        []byte // 2 or 16 byte UUID (usually Primary Service UUID)
}

// GroupData is one Read By Group Type record.
type GroupData struct {
	Handle         uint16
	EndGroupHandle uint16
	Value          []byte
}

// ReadByGroupTypeResponse carries records whose values all have the same length.
type ReadByGroupTypeResponse struct {
	Entries []GroupData
}

// Write Request/Response (Opcodes 0x12/0x13)
type WriteRequest struct {
	Handle uint16 // Handle of the attribute to write
	Value  []byte // Value to write
}

type WriteResponse struct {
	// Empty on success
}

// Write Command (Opcode 0x52) - no response
type WriteCommand struct {
	Handle uint16 // Handle of the attribute to write
	Value  []byte // Value to write
}

// Prepare Write Request/Response (Opcodes 0x16/0x17)
type PrepareWriteRequest struct {
	Handle uint16 // Handle of the attribute
	Offset uint16 // Offset for the write
	Value  []byte // Partial value to write
}

type PrepareWriteResponse struct {
	Handle uint16 // Echo of the handle
	Offset uint16 // Echo of the offset
	Value  []byte // Echo of the value
}

// Execute Write Request/Response (Opcodes 0x18/0x19)
type ExecuteWriteRequest struct {
	Flags uint8 // 0x00 = cancel, 0x01 = execute
}

type ExecuteWriteResponse struct {
	// Empty on success
}

// Handle Value Notification (Opcode 0x1B) - no confirmation
type HandleValueNotification struct {
	Handle uint16 // Handle of the attribute
	Value  []byte // Value of the attribute
}

// Handle Value Indication (Opcode 0x1D) - requires confirmation
type HandleValueIndication struct {
	Handle uint16 // Handle of the attribute
	Value  []byte // Value of the attribute
}

// Handle Value Confirmation (Opcode 0x1E)
type HandleValueConfirmation struct {
	// Empty
}

// OpcodeOf returns the opcode a packet struct encodes to, or 0 for unknown types.
func OpcodeOf(pkt interface{}) uint8 {
	switch pkt.(type) {
	case *ErrorResponse:
		return OpErrorResponse
	case *ExchangeMTURequest:
		return OpExchangeMTURequest
	case *ExchangeMTUResponse:
		return OpExchangeMTUResponse
	case *FindInformationRequest:
		return OpFindInformationRequest
	case *FindInformationResponse:
		return OpFindInformationResponse
	case *FindByTypeValueRequest:
		return OpFindByTypeValueRequest
	case *FindByTypeValueResponse:
		return OpFindByTypeValueResponse
	case *ReadByTypeRequest:
		return OpReadByTypeRequest
	case *ReadByTypeResponse:
		return OpReadByTypeResponse
	case *ReadRequest:
		return OpReadRequest
	case *ReadResponse:
		return OpReadResponse
	case *ReadBlobRequest:
		return OpReadBlobRequest
	case *ReadBlobResponse:
		return OpReadBlobResponse
	case *ReadMultipleRequest:
		return OpReadMultipleRequest
	case *ReadMultipleResponse:
		return OpReadMultipleResponse
	case *ReadByGroupTypeRequest:
		return OpReadByGroupTypeRequest
	case *ReadByGroupTypeResponse:
		return OpReadByGroupTypeResponse
	case *WriteRequest:
		return OpWriteRequest
	case *WriteResponse:
		return OpWriteResponse
	case *WriteCommand:
		return OpWriteCommand
	case *PrepareWriteRequest:
		return OpPrepareWriteRequest
	case *PrepareWriteResponse:
		return OpPrepareWriteResponse
	case *ExecuteWriteRequest:
		return OpExecuteWriteRequest
	case *ExecuteWriteResponse:
		return OpExecuteWriteResponse
	case *HandleValueNotification:
		return OpHandleValueNotification
	case *HandleValueIndication:
		return OpHandleValueIndication
	case *HandleValueConfirmation:
		return OpHandleValueConfirmation
	default:
		return 0
	}
}

// HandleOf returns the handle an Error Response for pkt should carry:
// the addressed handle, or the start of the requested range.
func HandleOf(pkt interface{}) uint16 {
	switch p := pkt.(type) {
	case *FindInformationRequest:
		return p.StartHandle
	case *FindByTypeValueRequest:
		return p.StartHandle
	case *ReadByTypeRequest:
		return p.StartHandle
	case *ReadByGroupTypeRequest:
		return p.StartHandle
	case *ReadRequest:
		return p.Handle
	case *ReadBlobRequest:
		return p.Handle
	case *ReadMultipleRequest:
		if len(p.Handles) > 0 {
			return p.Handles[0]
		}
	case *WriteRequest:
		return p.Handle
	case *WriteCommand:
		return p.Handle
	case *PrepareWriteRequest:
		return p.Handle
	case *HandleValueNotification:
		return p.Handle
	case *HandleValueIndication:
		return p.Handle
	}
	return 0x0000
}

func validUUIDLen(u []byte) bool {
	return len(u) == 2 || len(u) == 16
}

// EncodePacket encodes an ATT packet to binary format
func EncodePacket(pkt interface{}) ([]byte, error) {
	switch p := pkt.(type) {
	case *ExchangeMTURequest:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTURequest
		binary.LittleEndian.PutUint16(buf[1:3], p.ClientRxMTU)
		return buf, nil

	case *ExchangeMTUResponse:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTUResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.ServerRxMTU)
		return buf, nil

	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *FindInformationRequest:
		return encodeRange(OpFindInformationRequest, p.StartHandle, p.EndHandle, nil), nil

	case *FindInformationResponse:
		if len(p.Entries) == 0 {
			return nil, fmt.Errorf("att: FindInformationResponse needs at least one entry")
		}
		uuidLen := len(p.Entries[0].UUID)
		if !validUUIDLen(p.Entries[0].UUID) {
			return nil, fmt.Errorf("att: invalid UUID length %d", uuidLen)
		}
		buf := make([]byte, 2, 2+len(p.Entries)*(2+uuidLen))
		buf[0] = OpFindInformationResponse
		buf[1] = p.Format()
		for _, e := range p.Entries {
			if len(e.UUID) != uuidLen {
				return nil, fmt.Errorf("att: inconsistent UUID lengths in FindInformationResponse")
			}
			buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
			buf = append(buf, e.UUID...)
		}
		return buf, nil

	case *FindByTypeValueRequest:
		if len(p.Type) != 2 {
			return nil, fmt.Errorf("att: FindByTypeValueRequest type must be a 16-bit UUID")
		}
		buf := encodeRange(OpFindByTypeValueRequest, p.StartHandle, p.EndHandle, p.Type)
		return append(buf, p.Value...), nil

	case *FindByTypeValueResponse:
		if len(p.Handles) == 0 {
			return nil, fmt.Errorf("att: FindByTypeValueResponse needs at least one entry")
		}
		buf := make([]byte, 1, 1+4*len(p.Handles))
		buf[0] = OpFindByTypeValueResponse
		for _, h := range p.Handles {
			buf = binary.LittleEndian.AppendUint16(buf, h.FoundHandle)
			buf = binary.LittleEndian.AppendUint16(buf, h.GroupEndHandle)
		}
		return buf, nil

	case *ReadByTypeRequest:
		if !validUUIDLen(p.Type) {
			return nil, fmt.Errorf("att: invalid UUID length %d", len(p.Type))
		}
		return encodeRange(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByTypeResponse:
		if len(p.Entries) == 0 {
			return nil, fmt.Errorf("att: ReadByTypeResponse needs at least one entry")
		}
		valueLen := len(p.Entries[0].Value)
		length := 2 + valueLen
		if length > 0xFF {
			return nil, fmt.Errorf("att: ReadByTypeResponse record too long (%d)", length)
		}
		buf := make([]byte, 2, 2+len(p.Entries)*length)
		buf[0] = OpReadByTypeResponse
		buf[1] = byte(length)
		for _, e := range p.Entries {
			if len(e.Value) != valueLen {
				return nil, fmt.Errorf("att: inconsistent value lengths in ReadByTypeResponse")
			}
			buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
			buf = append(buf, e.Value...)
		}
		return buf, nil

	case *ReadRequest:
		buf := make([]byte, 3)
		buf[0] = OpReadRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		return buf, nil

	case *ReadResponse:
		buf := make([]byte, 1+len(p.Value))
		buf[0] = OpReadResponse
		copy(buf[1:], p.Value)
		return buf, nil

	case *ReadBlobRequest:
		buf := make([]byte, 5)
		buf[0] = OpReadBlobRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil

	case *ReadBlobResponse:
		buf := make([]byte, 1+len(p.Value))
		buf[0] = OpReadBlobResponse
		copy(buf[1:], p.Value)
		return buf, nil

	case *ReadMultipleRequest:
		if len(p.Handles) < 2 {
			return nil, fmt.Errorf("att: ReadMultipleRequest needs at least two handles")
		}
		buf := make([]byte, 1, 1+2*len(p.Handles))
		buf[0] = OpReadMultipleRequest
		for _, h := range p.Handles {
			buf = binary.LittleEndian.AppendUint16(buf, h)
		}
		return buf, nil

	case *ReadMultipleResponse:
		buf := make([]byte, 1+len(p.Values))
		buf[0] = OpReadMultipleResponse
		copy(buf[1:], p.Values)
		return buf, nil

	case *ReadByGroupTypeRequest:
		if !validUUIDLen(p.Type) {
			return nil, fmt.Errorf("att: invalid UUID length %d", len(p.Type))
		}
		return encodeRange(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByGroupTypeResponse:
		if len(p.Entries) == 0 {
			return nil, fmt.Errorf("att: ReadByGroupTypeResponse needs at least one entry")
		}
		valueLen := len(p.Entries[0].Value)
		length := 4 + valueLen
		if length > 0xFF {
			return nil, fmt.Errorf("att: ReadByGroupTypeResponse record too long (%d)", length)
		}
		buf := make([]byte, 2, 2+len(p.Entries)*length)
		buf[0] = OpReadByGroupTypeResponse
		buf[1] = byte(length)
		for _, e := range p.Entries {
			if len(e.Value) != valueLen {
				return nil, fmt.Errorf("att: inconsistent value lengths in ReadByGroupTypeResponse")
			}
			buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
			buf = binary.LittleEndian.AppendUint16(buf, e.EndGroupHandle)
			buf = append(buf, e.Value...)
		}
		return buf, nil

	case *WriteRequest:
		return encodeHandleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return encodeHandleValue(OpWriteCommand, p.Handle, p.Value), nil

	case *PrepareWriteRequest:
		return encodePrepared(OpPrepareWriteRequest, p.Handle, p.Offset, p.Value), nil

	case *PrepareWriteResponse:
		return encodePrepared(OpPrepareWriteResponse, p.Handle, p.Offset, p.Value), nil

	case *ExecuteWriteRequest:
		return []byte{OpExecuteWriteRequest, p.Flags}, nil

	case *ExecuteWriteResponse:
		return []byte{OpExecuteWriteResponse}, nil

	case *HandleValueNotification:
		return encodeHandleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	case *HandleValueIndication:
		return encodeHandleValue(OpHandleValueIndication, p.Handle, p.Value), nil

	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil

	default:
		return nil, fmt.Errorf("att: unknown packet type %T", pkt)
	}
}

func encodeRange(op uint8, start, end uint16, tail []byte) []byte {
	buf := make([]byte, 5, 5+len(tail))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	return append(buf, tail...)
}

func encodeHandleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

func encodePrepared(op uint8, handle, offset uint16, value []byte) []byte {
	buf := make([]byte, 5+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	binary.LittleEndian.PutUint16(buf[3:5], offset)
	copy(buf[5:], value)
	return buf
}

func malformed(name string, got int) error {
	return fmt.Errorf("%w: %s has inconsistent length %d", ErrMalformedPDU, name, got)
}

// DecodePacket decodes binary data into an ATT packet.
//
// Length violations of fixed fields yield ErrMalformedPDU. Record lists that
// do not divide evenly into records yield ErrProtocol. Opcodes this package
// does not implement yield ErrUnsupportedOpcode.
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty PDU", ErrMalformedPDU)
	}

	opcode := data[0]
	n := len(data)

	switch opcode {
	case OpExchangeMTURequest:
		if n != 3 {
			return nil, malformed("ExchangeMTURequest", n)
		}
		return &ExchangeMTURequest{
			ClientRxMTU: binary.LittleEndian.Uint16(data[1:3]),
		}, nil

	case OpExchangeMTUResponse:
		if n != 3 {
			return nil, malformed("ExchangeMTUResponse", n)
		}
		return &ExchangeMTUResponse{
			ServerRxMTU: binary.LittleEndian.Uint16(data[1:3]),
		}, nil

	case OpErrorResponse:
		if n != 5 {
			return nil, malformed("ErrorResponse", n)
		}
		return &ErrorResponse{
			RequestOpcode: data[1],
			Handle:        binary.LittleEndian.Uint16(data[2:4]),
			ErrorCode:     data[4],
		}, nil

	case OpFindInformationRequest:
		if n != 5 {
			return nil, malformed("FindInformationRequest", n)
		}
		return &FindInformationRequest{
			StartHandle: binary.LittleEndian.Uint16(data[1:3]),
			EndHandle:   binary.LittleEndian.Uint16(data[3:5]),
		}, nil

	case OpFindInformationResponse:
		if n < 2 {
			return nil, malformed("FindInformationResponse", n)
		}
		var uuidLen int
		switch data[1] {
		case FormatUUID16:
			uuidLen = 2
		case FormatUUID128:
			uuidLen = 16
		default:
			return nil, fmt.Errorf("%w: invalid Find Information format 0x%02X", ErrProtocol, data[1])
		}
		records, err := splitRecords(data[2:], 2+uuidLen, "FindInformationResponse")
		if err != nil {
			return nil, err
		}
		resp := &FindInformationResponse{Entries: make([]HandleUUID, 0, len(records))}
		for _, r := range records {
			resp.Entries = append(resp.Entries, HandleUUID{
				Handle: binary.LittleEndian.Uint16(r[0:2]),
				UUID:   append([]byte{}, r[2:]...),
			})
		}
		return resp, nil

	case OpFindByTypeValueRequest:
		if n < 7 {
			return nil, malformed("FindByTypeValueRequest", n)
		}
		return &FindByTypeValueRequest{
			StartHandle: binary.LittleEndian.Uint16(data[1:3]),
			EndHandle:   binary.LittleEndian.Uint16(data[3:5]),
			Type:        append([]byte{}, data[5:7]...),
			Value:       append([]byte{}, data[7:]...),
		}, nil

	case OpFindByTypeValueResponse:
		records, err := splitRecords(data[1:], 4, "FindByTypeValueResponse")
		if err != nil {
			return nil, err
		}
		resp := &FindByTypeValueResponse{Handles: make([]HandlesInfo, 0, len(records))}
		for _, r := range records {
			resp.Handles = append(resp.Handles, HandlesInfo{
				FoundHandle:    binary.LittleEndian.Uint16(r[0:2]),
				GroupEndHandle: binary.LittleEndian.Uint16(r[2:4]),
			})
		}
		return resp, nil

	case OpReadByTypeRequest:
		if n != 7 && n != 21 { // 1 + 2 + 2 + (2 or 16)
			return nil, malformed("ReadByTypeRequest", n)
		}
		return &ReadByTypeRequest{
			StartHandle: binary.LittleEndian.Uint16(data[1:3]),
			EndHandle:   binary.LittleEndian.Uint16(data[3:5]),
			Type:        append([]byte{}, data[5:]...),
		}, nil

	case OpReadByTypeResponse:
		if n < 2 {
			return nil, malformed("ReadByTypeResponse", n)
		}
		length := int(data[1])
		if length < 2 {
			return nil, fmt.Errorf("%w: ReadByTypeResponse record length %d", ErrProtocol, length)
		}
		records, err := splitRecords(data[2:], length, "ReadByTypeResponse")
		if err != nil {
			return nil, err
		}
		resp := &ReadByTypeResponse{Entries: make([]AttributeData, 0, len(records))}
		for _, r := range records {
			resp.Entries = append(resp.Entries, AttributeData{
				Handle: binary.LittleEndian.Uint16(r[0:2]),
				Value:  append([]byte{}, r[2:]...),
			})
		}
		return resp, nil

	case OpReadRequest:
		if n != 3 {
			return nil, malformed("ReadRequest", n)
		}
		return &ReadRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
		}, nil

	case OpReadResponse:
		return &ReadResponse{
			Value: append([]byte{}, data[1:]...),
		}, nil

	case OpReadBlobRequest:
		if n != 5 {
			return nil, malformed("ReadBlobRequest", n)
		}
		return &ReadBlobRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Offset: binary.LittleEndian.Uint16(data[3:5]),
		}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{
			Value: append([]byte{}, data[1:]...),
		}, nil

	case OpReadMultipleRequest:
		if n < 5 || (n-1)%2 != 0 {
			return nil, malformed("ReadMultipleRequest", n)
		}
		req := &ReadMultipleRequest{}
		for i := 1; i < n; i += 2 {
			req.Handles = append(req.Handles, binary.LittleEndian.Uint16(data[i:i+2]))
		}
		return req, nil

	case OpReadMultipleResponse:
		return &ReadMultipleResponse{
			Values: append([]byte{}, data[1:]...),
		}, nil

	case OpReadByGroupTypeRequest:
		if n != 7 && n != 21 {
			return nil, malformed("ReadByGroupTypeRequest", n)
		}
		return &ReadByGroupTypeRequest{
			StartHandle: binary.LittleEndian.Uint16(data[1:3]),
			EndHandle:   binary.LittleEndian.Uint16(data[3:5]),
			Type:        append([]byte{}, data[5:]...),
		}, nil

	case OpReadByGroupTypeResponse:
		if n < 2 {
			return nil, malformed("ReadByGroupTypeResponse", n)
		}
		length := int(data[1])
		if length < 4 {
			return nil, fmt.Errorf("%w: ReadByGroupTypeResponse record length %d", ErrProtocol, length)
		}
		records, err := splitRecords(data[2:], length, "ReadByGroupTypeResponse")
		if err != nil {
			return nil, err
		}
		resp := &ReadByGroupTypeResponse{Entries: make([]GroupData, 0, len(records))}
		for _, r := range records {
			resp.Entries = append(resp.Entries, GroupData{
				Handle:         binary.LittleEndian.Uint16(r[0:2]),
				EndGroupHandle: binary.LittleEndian.Uint16(r[2:4]),
				Value:          append([]byte{}, r[4:]...),
			})
		}
		return resp, nil

	case OpWriteRequest:
		if n < 3 {
			return nil, malformed("WriteRequest", n)
		}
		return &WriteRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	case OpWriteResponse:
		if n != 1 {
			return nil, malformed("WriteResponse", n)
		}
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if n < 3 {
			return nil, malformed("WriteCommand", n)
		}
		return &WriteCommand{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	case OpPrepareWriteRequest:
		if n < 5 {
			return nil, malformed("PrepareWriteRequest", n)
		}
		return &PrepareWriteRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Offset: binary.LittleEndian.Uint16(data[3:5]),
			Value:  append([]byte{}, data[5:]...),
		}, nil

	case OpPrepareWriteResponse:
		if n < 5 {
			return nil, malformed("PrepareWriteResponse", n)
		}
		return &PrepareWriteResponse{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Offset: binary.LittleEndian.Uint16(data[3:5]),
			Value:  append([]byte{}, data[5:]...),
		}, nil

	case OpExecuteWriteRequest:
		if n != 2 {
			return nil, malformed("ExecuteWriteRequest", n)
		}
		return &ExecuteWriteRequest{
			Flags: data[1],
		}, nil

	case OpExecuteWriteResponse:
		if n != 1 {
			return nil, malformed("ExecuteWriteResponse", n)
		}
		return &ExecuteWriteResponse{}, nil

	case OpHandleValueNotification:
		if n < 3 {
			return nil, malformed("HandleValueNotification", n)
		}
		return &HandleValueNotification{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	case OpHandleValueIndication:
		if n < 3 {
			return nil, malformed("HandleValueIndication", n)
		}
		return &HandleValueIndication{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	case OpHandleValueConfirmation:
		if n != 1 {
			return nil, malformed("HandleValueConfirmation", n)
		}
		return &HandleValueConfirmation{}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedOpcode, opcode)
	}
}

// splitRecords cuts a record list into fixed-stride records. An empty list or
// a trailing partial record is a protocol error.
func splitRecords(data []byte, stride int, name string) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s carries no records", ErrProtocol, name)
	}
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: %s payload %d is not a multiple of record length %d",
			ErrProtocol, name, len(data), stride)
	}
	records := make([][]byte, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		records = append(records, data[off:off+stride])
	}
	return records, nil
}

// RecordCapacity returns how many records of the given stride fit in one
// response of type responseOpcode at the given MTU.
func RecordCapacity(responseOpcode uint8, mtu, stride int) int {
	header := 2 // opcode + length/format byte
	if responseOpcode == OpFindByTypeValueResponse {
		header = 1
	}
	if stride <= 0 || mtu <= header {
		return 0
	}
	return (mtu - header) / stride
}
