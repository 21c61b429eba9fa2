package gatt

import "errors"

// ErrDeferred is returned by a ReadHandler that has started an asynchronous
// fetch. The server serves the cached value once the fetch lands or the
// deferred read grace period runs out, whichever comes first.
var ErrDeferred = errors.New("gatt: read deferred")

// Request describes one server-side attribute access.
type Request struct {
	Peer   string // identity of the remote device
	Handle uint16 // attribute being accessed
	Offset uint16 // non-zero for Read Blob and prepared writes
}

// A ReadHandler produces the current value of an attribute. It returns the
// full value; the server applies Request.Offset. Errors carrying an
// *att.Error code go on the wire as that code, ErrDeferred defers the read,
// anything else becomes Unlikely Error.
type ReadHandler interface {
	ServeRead(req Request) ([]byte, error)
}

// ReadHandlerFunc is an adapter to allow the use of ordinary functions as
// ReadHandlers.
type ReadHandlerFunc func(req Request) ([]byte, error)

// ServeRead returns f(req).
func (f ReadHandlerFunc) ServeRead(req Request) ([]byte, error) {
	return f(req)
}

// A WriteHandler accepts a written value. Error mapping matches ReadHandler.
type WriteHandler interface {
	ServeWrite(req Request, value []byte) error
}

// WriteHandlerFunc is an adapter to allow the use of ordinary functions as
// WriteHandlers.
type WriteHandlerFunc func(req Request, value []byte) error

// ServeWrite returns f(req, value).
func (f WriteHandlerFunc) ServeWrite(req Request, value []byte) error {
	return f(req, value)
}

// Access tags what a characteristic's owner supports.
type Access uint8

const (
	AccessNone Access = iota
	AccessReadOnly
	AccessWriteOnly
	AccessReadWrite
	AccessNotifiable
)

func (a Access) String() string {
	switch a {
	case AccessReadOnly:
		return "read-only"
	case AccessWriteOnly:
		return "write-only"
	case AccessReadWrite:
		return "read-write"
	case AccessNotifiable:
		return "notifiable"
	default:
		return "none"
	}
}

func accessFor(props uint8, readable, writable bool) Access {
	switch {
	case props&(PropNotify|PropIndicate) != 0:
		return AccessNotifiable
	case readable && writable:
		return AccessReadWrite
	case readable:
		return AccessReadOnly
	case writable:
		return AccessWriteOnly
	default:
		return AccessNone
	}
}
