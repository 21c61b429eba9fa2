package wire

import (
	"time"

	"github.com/user/gattd/wire/att"
)

// State is the protocol state of a session's client side.
type State int

const (
	StateDisconnected State = iota
	// StateConnected is idle: a request may be sent.
	StateConnected
	// StateAwaitingResponse has one request outstanding.
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAwaitingResponse:
		return "awaiting-response"
	default:
		return "unknown"
	}
}

// SecurityLevel is the link security a session currently runs at.
type SecurityLevel int

const (
	SecurityNone          SecurityLevel = iota // no encryption
	SecurityEncrypted                          // encrypted, unauthenticated key
	SecurityAuthenticated                      // encrypted, authenticated key
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityEncrypted:
		return "encrypted"
	case SecurityAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Protocol limits and default timings.
const (
	DefaultMTU = att.DefaultMTU
	MaxMTU     = att.MaxMTU

	DefaultRequestTimeout      = att.DefaultTransactionTimeout
	DefaultIndicationTimeout   = 30 * time.Second
	DefaultDeferredReadTimeout = 500 * time.Millisecond

	// handshakeTimeout bounds how long an accepted connection may take to
	// send its identity.
	handshakeTimeout = 5 * time.Second
)
