package att

import (
	"errors"
	"fmt"
)

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
	ErrSuccess                       = 0x00 // Not an actual error, used internally
	ErrInvalidHandle                 = 0x01
	ErrReadNotPermitted              = 0x02
	ErrWriteNotPermitted             = 0x03
	ErrInvalidPDU                    = 0x04
	ErrInsufficientAuthentication    = 0x05
	ErrRequestNotSupported           = 0x06
	ErrInvalidOffset                 = 0x07
	ErrInsufficientAuthorization     = 0x08
	ErrPrepareQueueFull              = 0x09
	ErrAttributeNotFound             = 0x0A
	ErrAttributeNotLong              = 0x0B
	ErrInsufficientEncryptionKeySize = 0x0C
	ErrInvalidAttributeValueLength   = 0x0D
	ErrUnlikelyError                 = 0x0E
	ErrInsufficientEncryption        = 0x0F
	ErrUnsupportedGroupType          = 0x10
	ErrInsufficientResources         = 0x11

	// Application Error codes (0x80 - 0x9F)
	ErrApplicationErrorStart = 0x80
	ErrApplicationErrorEnd   = 0x9F

	// ErrIO is the first application error code. A deferred read with nothing
	// cached yet answers with it.
	ErrIO = 0x80

	// Common Profile and Service Error Codes (0xE0 - 0xFF)
	ErrCommonErrorStart = 0xE0
	ErrCommonErrorEnd   = 0xFF

	ErrWriteRequestRejected       = 0xFC
	ErrCCCDImproperlyConfigured   = 0xFD
	ErrProcedureAlreadyInProgress = 0xFE
	ErrOutOfRange                 = 0xFF
)

// ErrorNames maps error codes to human-readable names
var ErrorNames = map[uint8]string{
	ErrSuccess:                       "Success",
	ErrInvalidHandle:                 "Invalid Handle",
	ErrReadNotPermitted:              "Read Not Permitted",
	ErrWriteNotPermitted:             "Write Not Permitted",
	ErrInvalidPDU:                    "Invalid PDU",
	ErrInsufficientAuthentication:    "Insufficient Authentication",
	ErrRequestNotSupported:           "Request Not Supported",
	ErrInvalidOffset:                 "Invalid Offset",
	ErrInsufficientAuthorization:     "Insufficient Authorization",
	ErrPrepareQueueFull:              "Prepare Queue Full",
	ErrAttributeNotFound:             "Attribute Not Found",
	ErrAttributeNotLong:              "Attribute Not Long",
	ErrInsufficientEncryptionKeySize: "Insufficient Encryption Key Size",
	ErrInvalidAttributeValueLength:   "Invalid Attribute Value Length",
	ErrUnlikelyError:                 "Unlikely Error",
	ErrInsufficientEncryption:        "Insufficient Encryption",
	ErrUnsupportedGroupType:          "Unsupported Group Type",
	ErrInsufficientResources:         "Insufficient Resources",
	ErrIO:                            "I/O Error",
	ErrWriteRequestRejected:          "Write Request Rejected",
	ErrCCCDImproperlyConfigured:      "CCCD Improperly Configured",
	ErrProcedureAlreadyInProgress:    "Procedure Already in Progress",
	ErrOutOfRange:                    "Out of Range",
}

// Local failures. None of these are ever put on the wire as-is.
var (
	// ErrMalformedPDU means a PDU's length is inconsistent with its opcode.
	ErrMalformedPDU = errors.New("att: malformed PDU")

	// ErrProtocol means a structurally valid PDU violates a protocol rule,
	// e.g. a record list whose length is not a multiple of its stride.
	ErrProtocol = errors.New("att: protocol error")

	// ErrUnsupportedOpcode is returned by DecodePacket for opcodes it does not know.
	ErrUnsupportedOpcode = errors.New("att: unsupported opcode")

	// ErrRequestInFlight is returned when a request is issued while another is pending.
	ErrRequestInFlight = errors.New("att: request already in flight")

	// ErrConnectionLost fails everything still pending on a closed bearer.
	ErrConnectionLost = errors.New("att: connection lost")

	// ErrTimeout is delivered when the peer does not answer within the transaction timeout.
	ErrTimeout = errors.New("att: transaction timeout")
)

// Error represents an ATT error
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

// Error implements the error interface
func (e *Error) Error() string {
	name, ok := ErrorNames[e.Code]
	if !ok {
		if e.Code >= ErrApplicationErrorStart && e.Code <= ErrApplicationErrorEnd {
			name = fmt.Sprintf("Application Error (0x%02X)", e.Code)
		} else if e.Code >= ErrCommonErrorStart {
			name = fmt.Sprintf("Common Profile Error (0x%02X)", e.Code)
		} else {
			name = fmt.Sprintf("Unknown Error (0x%02X)", e.Code)
		}
	}

	opcodeName, ok := OpcodeNames[e.RequestOpcode]
	if !ok {
		opcodeName = fmt.Sprintf("0x%02X", e.RequestOpcode)
	}

	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)", name, e.Handle, opcodeName)
}

// Is lets errors.Is match two ATT errors by code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{
		Code:          code,
		RequestOpcode: requestOpcode,
		Handle:        handle,
	}
}

// Code wraps an error code for profile callbacks, which know neither the
// request opcode nor always the handle. The server fills both in.
func Code(code uint8) *Error {
	return &Error{Code: code}
}

// IsATTError checks if an error is an ATT error with a specific code
func IsATTError(err error, code uint8) bool {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code == code
	}
	return false
}

// GetErrorCode returns the ATT error code from an error, or 0 if not an ATT error
func GetErrorCode(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return 0
}

// ToErrorResponse converts err into the Error Response a server sends for
// requestOpcode. Errors that carry no ATT code become Unlikely Error.
func ToErrorResponse(err error, requestOpcode uint8, handle uint16) *ErrorResponse {
	code := GetErrorCode(err)
	if code == ErrSuccess {
		code = ErrUnlikelyError
	}
	var attErr *Error
	if errors.As(err, &attErr) && attErr.Handle != 0 {
		handle = attErr.Handle
	}
	return &ErrorResponse{
		RequestOpcode: requestOpcode,
		Handle:        handle,
		ErrorCode:     code,
	}
}
