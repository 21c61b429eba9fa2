package att

// MTU bounds. Every connection starts at DefaultMTU until an Exchange MTU
// completes.
const (
	DefaultMTU = 23
	MaxMTU     = 517
)

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	// Error handling
	OpErrorResponse = 0x01

	// MTU Exchange
	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	// Find Information (Discovery)
	OpFindInformationRequest  = 0x04
	OpFindInformationResponse = 0x05

	// Service Discovery
	OpFindByTypeValueRequest  = 0x06
	OpFindByTypeValueResponse = 0x07

	// Read Operations
	OpReadByTypeRequest    = 0x08
	OpReadByTypeResponse   = 0x09
	OpReadRequest          = 0x0A
	OpReadResponse         = 0x0B
	OpReadBlobRequest      = 0x0C
	OpReadBlobResponse     = 0x0D
	OpReadMultipleRequest  = 0x0E
	OpReadMultipleResponse = 0x0F

	// Group Read (Service Discovery)
	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	// Write Operations
	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13

	// Write Command (no response)
	OpWriteCommand = 0x52

	// Signed Write (no response)
	OpSignedWriteCommand = 0xD2

	// Prepared Write (for long writes)
	OpPrepareWriteRequest  = 0x16
	OpPrepareWriteResponse = 0x17
	OpExecuteWriteRequest  = 0x18
	OpExecuteWriteResponse = 0x19

	// Server-initiated
	OpHandleValueNotification = 0x1B
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E
)

// commandFlag is bit 6 of the opcode; PDUs carrying it never get a response.
const commandFlag = 0x40

// Execute Write flags
const (
	ExecuteWriteCancel = 0x00
	ExecuteWriteCommit = 0x01
)

// Find Information response formats
const (
	FormatUUID16  = 0x01
	FormatUUID128 = 0x02
)

// OpcodeNames maps opcodes to human-readable names (useful for debugging)
var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpFindInformationRequest:  "Find Information Request",
	OpFindInformationResponse: "Find Information Response",
	OpFindByTypeValueRequest:  "Find By Type Value Request",
	OpFindByTypeValueResponse: "Find By Type Value Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpReadBlobRequest:         "Read Blob Request",
	OpReadBlobResponse:        "Read Blob Response",
	OpReadMultipleRequest:     "Read Multiple Request",
	OpReadMultipleResponse:    "Read Multiple Response",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpReadByGroupTypeResponse: "Read By Group Type Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpSignedWriteCommand:      "Signed Write Command",
	OpPrepareWriteRequest:     "Prepare Write Request",
	OpPrepareWriteResponse:    "Prepare Write Response",
	OpExecuteWriteRequest:     "Execute Write Request",
	OpExecuteWriteResponse:    "Execute Write Response",
	OpHandleValueNotification: "Handle Value Notification",
	OpHandleValueIndication:   "Handle Value Indication",
	OpHandleValueConfirmation: "Handle Value Confirmation",
}

// OpcodeName returns a printable name for any opcode, known or not.
func OpcodeName(opcode uint8) string {
	if name, ok := OpcodeNames[opcode]; ok {
		return name
	}
	return "Unknown Opcode"
}

// IsRequest returns true if the opcode is a client request that expects a response.
// Indications are server-initiated and classified separately.
func IsRequest(opcode uint8) bool {
	switch opcode {
	case OpExchangeMTURequest,
		OpFindInformationRequest,
		OpFindByTypeValueRequest,
		OpReadByTypeRequest,
		OpReadRequest,
		OpReadBlobRequest,
		OpReadMultipleRequest,
		OpReadByGroupTypeRequest,
		OpWriteRequest,
		OpPrepareWriteRequest,
		OpExecuteWriteRequest:
		return true
	default:
		return false
	}
}

// IsResponse returns true if the opcode resolves an outstanding client request
func IsResponse(opcode uint8) bool {
	switch opcode {
	case OpErrorResponse,
		OpExchangeMTUResponse,
		OpFindInformationResponse,
		OpFindByTypeValueResponse,
		OpReadByTypeResponse,
		OpReadResponse,
		OpReadBlobResponse,
		OpReadMultipleResponse,
		OpReadByGroupTypeResponse,
		OpWriteResponse,
		OpPrepareWriteResponse,
		OpExecuteWriteResponse:
		return true
	default:
		return false
	}
}

// IsCommand returns true if the opcode is a command (no response expected).
// Any opcode with the command flag set qualifies, including ones we do not implement.
func IsCommand(opcode uint8) bool {
	return opcode&commandFlag != 0
}

// IsNotification returns true if the opcode is a notification (no confirmation expected)
func IsNotification(opcode uint8) bool {
	return opcode == OpHandleValueNotification
}

// IsIndication returns true for Handle Value Indication
func IsIndication(opcode uint8) bool {
	return opcode == OpHandleValueIndication
}

// IsConfirmation returns true for Handle Value Confirmation
func IsConfirmation(opcode uint8) bool {
	return opcode == OpHandleValueConfirmation
}

// ResponseFor returns the expected response opcode for a given request opcode
// Returns 0 if the opcode doesn't have a response
func ResponseFor(requestOpcode uint8) uint8 {
	switch requestOpcode {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpFindInformationRequest:
		return OpFindInformationResponse
	case OpFindByTypeValueRequest:
		return OpFindByTypeValueResponse
	case OpReadByTypeRequest:
		return OpReadByTypeResponse
	case OpReadRequest:
		return OpReadResponse
	case OpReadBlobRequest:
		return OpReadBlobResponse
	case OpReadMultipleRequest:
		return OpReadMultipleResponse
	case OpReadByGroupTypeRequest:
		return OpReadByGroupTypeResponse
	case OpWriteRequest:
		return OpWriteResponse
	case OpPrepareWriteRequest:
		return OpPrepareWriteResponse
	case OpExecuteWriteRequest:
		return OpExecuteWriteResponse
	case OpHandleValueIndication:
		return OpHandleValueConfirmation
	default:
		return 0
	}
}
