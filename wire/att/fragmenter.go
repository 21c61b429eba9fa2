package att

import (
	"bytes"
	"fmt"
	"sync"
)

// DefaultPrepareQueueLimit bounds the number of Prepare Write Requests a
// server queues per connection before answering Prepare Queue Full.
const DefaultPrepareQueueLimit = 64

// PreparedWrite is the reassembled result of one handle's queued
// Prepare Write Requests.
type PreparedWrite struct {
	Handle uint16
	Offset uint16 // offset of the first queued fragment
	Value  []byte
}

// Fragmenter is the server side prepare queue of one connection. Fragments
// for a handle must be contiguous; the order handles were first prepared in
// is the order Execute returns them.
type Fragmenter struct {
	mu     sync.Mutex
	limit  int
	count  int
	order  []uint16
	queues map[uint16]*PreparedWrite
}

// NewFragmenter creates a new Fragmenter. limit <= 0 selects DefaultPrepareQueueLimit.
func NewFragmenter(limit int) *Fragmenter {
	if limit <= 0 {
		limit = DefaultPrepareQueueLimit
	}
	return &Fragmenter{
		limit:  limit,
		queues: make(map[uint16]*PreparedWrite),
	}
}

// ShouldFragment returns true if the value exceeds MTU and needs fragmentation
// ATT Write Request format: [Opcode:1][Handle:2][Value:N]
// So max value size = MTU - 3
func ShouldFragment(mtu int, value []byte) bool {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return len(value) > mtu-3
}

// FragmentWrite splits a large write into multiple Prepare Write requests
func FragmentWrite(handle uint16, value []byte, mtu int) ([]*PrepareWriteRequest, error) {
	if !ShouldFragment(mtu, value) {
		return nil, fmt.Errorf("att: value does not need fragmentation (len=%d, mtu=%d)", len(value), mtu)
	}

	// PrepareWriteRequest format: [Opcode:1][Handle:2][Offset:2][Value:N]
	maxChunkSize := mtu - 5
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("att: MTU too small for fragmentation (mtu=%d)", mtu)
	}
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("att: value too long for prepared write (%d bytes)", len(value))
	}

	var requests []*PrepareWriteRequest
	for offset := 0; offset < len(value); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(value) {
			end = len(value)
		}
		requests = append(requests, &PrepareWriteRequest{
			Handle: handle,
			Offset: uint16(offset),
			Value:  append([]byte{}, value[offset:end]...),
		})
	}

	return requests, nil
}

// VerifyEcho checks that a Prepare Write Response echoes its request.
func VerifyEcho(req *PrepareWriteRequest, resp *PrepareWriteResponse) error {
	if resp.Handle != req.Handle || resp.Offset != req.Offset || !bytes.Equal(resp.Value, req.Value) {
		return fmt.Errorf("%w: prepare write echo mismatch on handle 0x%04X offset %d",
			ErrProtocol, req.Handle, req.Offset)
	}
	return nil
}

// Queue appends a Prepare Write Request. It returns an *Error carrying
// PrepareQueueFull when the queue is at its limit and InvalidOffset when the
// fragment does not continue the handle's previous one.
func (f *Fragmenter) Queue(req *PrepareWriteRequest) error {
	if req == nil {
		return fmt.Errorf("att: nil prepare write request")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.count >= f.limit {
		return NewError(ErrPrepareQueueFull, OpPrepareWriteRequest, req.Handle)
	}

	pw, exists := f.queues[req.Handle]
	if !exists {
		f.queues[req.Handle] = &PreparedWrite{
			Handle: req.Handle,
			Offset: req.Offset,
			Value:  append([]byte{}, req.Value...),
		}
		f.order = append(f.order, req.Handle)
		f.count++
		return nil
	}

	expectedOffset := int(pw.Offset) + len(pw.Value)
	if int(req.Offset) != expectedOffset {
		return NewError(ErrInvalidOffset, OpPrepareWriteRequest, req.Handle)
	}
	pw.Value = append(pw.Value, req.Value...)
	f.count++
	return nil
}

// Execute returns every queued write in preparation order and empties the queue.
func (f *Fragmenter) Execute() []PreparedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()

	writes := make([]PreparedWrite, 0, len(f.order))
	for _, h := range f.order {
		writes = append(writes, *f.queues[h])
	}
	f.reset()
	return writes
}

// Clear discards everything queued. Used for Execute Write with the cancel
// flag and on disconnection.
func (f *Fragmenter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
}

func (f *Fragmenter) reset() {
	f.count = 0
	f.order = nil
	f.queues = make(map[uint16]*PreparedWrite)
}

// Len returns the number of queued fragments
func (f *Fragmenter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// QueuedHandles returns the handles with queued fragments in preparation order
func (f *Fragmenter) QueuedHandles() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.order...)
}
