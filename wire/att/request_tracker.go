package att

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTransactionTimeout is the ATT transaction timeout.
const DefaultTransactionTimeout = 30 * time.Second

// RequestTracker manages pending ATT requests and matches them with responses.
// Only one ATT request can be outstanding at a time per connection.
// This enforces that constraint and provides timeout handling.
type RequestTracker struct {
	mu              sync.Mutex
	pending         *PendingRequest
	defaultTimeout  time.Duration
	timeoutCallback func(opcode byte, handle uint16)
}

// PendingRequest represents a single outstanding ATT request
type PendingRequest struct {
	Opcode    byte          // Request opcode (e.g., 0x0A for Read Request)
	Handle    uint16        // Attribute handle being accessed
	ResponseC chan Response // Channel for response delivery, buffered and closed after one send
	SentAt    time.Time
	timer     *time.Timer
}

// Response represents an ATT response or error
type Response struct {
	Packet interface{} // The response packet (nil when Error is set)
	Error  error       // ErrTimeout, ErrConnectionLost or a decoded *Error
}

// NewRequestTracker creates a new request tracker
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &RequestTracker{
		defaultTimeout: timeout,
	}
}

// SetTimeoutCallback sets a callback to be invoked when a request times out
func (rt *RequestTracker) SetTimeoutCallback(cb func(opcode byte, handle uint16)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.timeoutCallback = cb
}

// StartRequest registers a new ATT request and returns a response channel.
// Returns ErrRequestInFlight if another request is already pending; the
// pending request is left untouched.
func (rt *RequestTracker) StartRequest(opcode byte, handle uint16, timeout time.Duration) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("%w (opcode 0x%02X on handle 0x%04X)",
			ErrRequestInFlight, rt.pending.Opcode, rt.pending.Handle)
	}

	if timeout <= 0 {
		timeout = rt.defaultTimeout
	}

	req := &PendingRequest{
		Opcode:    opcode,
		Handle:    handle,
		ResponseC: make(chan Response, 1),
		SentAt:    time.Now(),
	}
	req.timer = time.AfterFunc(timeout, func() { rt.expire(req) })
	rt.pending = req

	return req.ResponseC, nil
}

// expire fails req with ErrTimeout if it is still the pending request.
func (rt *RequestTracker) expire(req *PendingRequest) {
	rt.mu.Lock()
	if rt.pending != req {
		rt.mu.Unlock()
		return
	}
	rt.pending = nil
	cb := rt.timeoutCallback
	rt.mu.Unlock()

	req.ResponseC <- Response{
		Error: fmt.Errorf("%w: opcode 0x%02X, handle 0x%04X", ErrTimeout, req.Opcode, req.Handle),
	}
	close(req.ResponseC)

	if cb != nil {
		cb(req.Opcode, req.Handle)
	}
}

// finish clears the pending slot and delivers resp. Caller holds rt.mu.
func (rt *RequestTracker) finish(resp Response) {
	req := rt.pending
	rt.pending = nil
	req.timer.Stop()
	req.ResponseC <- resp
	close(req.ResponseC)
}

// CompleteRequest delivers a response to a pending request.
// Returns an ErrProtocol-wrapped error if no request is pending or the
// response opcode does not answer it.
func (rt *RequestTracker) CompleteRequest(responseOpcode byte, packet interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("%w: no pending ATT request for response opcode 0x%02X", ErrProtocol, responseOpcode)
	}

	expectedResponse := ResponseFor(rt.pending.Opcode)
	if responseOpcode != expectedResponse && responseOpcode != OpErrorResponse {
		return fmt.Errorf("%w: unexpected response opcode 0x%02X for request 0x%02X (expected 0x%02X)",
			ErrProtocol, responseOpcode, rt.pending.Opcode, expectedResponse)
	}

	if errResp, ok := packet.(*ErrorResponse); ok {
		rt.finish(Response{Packet: packet, Error: errResp.Err()})
		return nil
	}

	rt.finish(Response{Packet: packet})
	return nil
}

// FailRequest fails a pending request with the given error.
// This is used for connection errors, protocol errors, etc.
func (rt *RequestTracker) FailRequest(err error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("no pending ATT request to fail")
	}

	rt.finish(Response{Error: err})
	return nil
}

// HasPending returns true if there is a pending request
func (rt *RequestTracker) HasPending() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}

// GetPendingInfo returns info about the pending request (for debugging)
func (rt *RequestTracker) GetPendingInfo() (opcode byte, handle uint16, duration time.Duration, hasPending bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return 0, 0, 0, false
	}

	return rt.pending.Opcode, rt.pending.Handle, time.Since(rt.pending.SentAt), true
}

// CancelPending fails any pending request with err, or ErrConnectionLost
// when err is nil. Used during disconnection.
func (rt *RequestTracker) CancelPending(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return
	}
	if err == nil {
		err = ErrConnectionLost
	}
	rt.finish(Response{Error: err})
}
