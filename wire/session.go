package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/user/gattd/logger"
	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/l2cap"
)

// ErrIndicationInFlight is returned by Session.Indicate while a previous
// indication to the same peer is still waiting for its confirmation.
var ErrIndicationInFlight = errors.New("wire: indication in flight")

// NotificationFunc receives notifications and indications from the peer.
// It runs on the session's read loop and must not issue requests on the
// same session.
type NotificationFunc func(handle uint16, value []byte, indication bool)

// Session is one ATT bearer to one peer. It is both a client (one
// outstanding request at a time) and a server for the shared database (one
// request served at a time).
type Session struct {
	id     string
	peer   string
	bearer l2cap.Bearer
	server *Server
	log    *logrus.Entry

	mtu      atomic.Int32
	security atomic.Int32

	tracker        *att.RequestTracker
	requestTimeout time.Duration
	prepare        *att.Fragmenter

	// indSlot holds a token while an indication awaits confirmation.
	indSlot           chan struct{}
	confirmMu         sync.Mutex
	confirmC          chan struct{}
	indicationTimeout time.Duration

	// serving is set while a deferred read owns the server side.
	serving atomic.Bool

	handlersMu sync.RWMutex
	handlers   map[uint16][]NotificationFunc // 0 receives every handle

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(s *Server, bearer l2cap.Bearer, peer string) *Session {
	id := uuid.NewString()
	sess := &Session{
		id:                id,
		peer:              peer,
		bearer:            bearer,
		server:            s,
		log:               logger.ForPeer(s.log, "session", peer).WithField("session", id[:8]),
		tracker:           att.NewRequestTracker(s.cfg.RequestTimeout),
		requestTimeout:    s.cfg.RequestTimeout,
		prepare:           att.NewFragmenter(att.DefaultPrepareQueueLimit),
		indSlot:           make(chan struct{}, 1),
		indicationTimeout: s.cfg.IndicationTimeout,
		handlers:          make(map[uint16][]NotificationFunc),
		closed:            make(chan struct{}),
	}
	sess.mtu.Store(DefaultMTU)
	sess.tracker.SetTimeoutCallback(func(opcode byte, handle uint16) {
		sess.log.WithFields(logrus.Fields{
			"opcode": att.OpcodeName(opcode),
			"handle": handle,
		}).Warn("Request timed out")
	})
	return sess
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Peer returns the identity the peer presented when connecting.
func (s *Session) Peer() string { return s.peer }

// MTU returns the current ATT_MTU.
func (s *Session) MTU() int { return int(s.mtu.Load()) }

func (s *Session) setMTU(mtu int) {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	s.mtu.Store(int32(mtu))
}

// State reports the client-side protocol state.
func (s *Session) State() State {
	select {
	case <-s.closed:
		return StateDisconnected
	default:
	}
	if s.tracker.HasPending() {
		return StateAwaitingResponse
	}
	return StateConnected
}

// Security returns the link security level.
func (s *Session) Security() SecurityLevel {
	return SecurityLevel(s.security.Load())
}

// SetSecurity records the security level the link now runs at. Pairing
// and encryption happen below ATT; this only feeds permission checks.
func (s *Session) SetSecurity(level SecurityLevel) {
	s.security.Store(int32(level))
	s.log.WithField("level", level).Debug("Security level changed")
}

func (s *Session) checkSecurity(authen, encrypt bool) error {
	level := s.Security()
	if authen && level < SecurityAuthenticated {
		return att.Code(att.ErrInsufficientAuthentication)
	}
	if encrypt && level < SecurityEncrypted {
		return att.Code(att.ErrInsufficientEncryption)
	}
	return nil
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// HandleNotifications registers fn for notifications and indications on
// handle. Handle 0 registers for every handle.
func (s *Session) HandleNotifications(handle uint16, fn NotificationFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[handle] = append(s.handlers[handle], fn)
}

// Close tears the session down. Pending requests fail with
// att.ErrConnectionLost; deferred reads and prepared writes are discarded.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.bearer.Close()
		if opcode, handle, elapsed, ok := s.tracker.GetPendingInfo(); ok {
			s.log.WithFields(logrus.Fields{
				"opcode":  att.OpcodeName(opcode),
				"handle":  handle,
				"elapsed": elapsed,
			}).Debug("Failing pending request")
		}
		s.tracker.CancelPending(att.ErrConnectionLost)
		if n := s.prepare.Len(); n > 0 {
			s.log.WithFields(logrus.Fields{
				"fragments": n,
				"handles":   s.prepare.QueuedHandles(),
			}).Debug("Discarding prepared writes")
		}
		s.prepare.Clear()

		entry := s.log
		if cause != nil {
			entry = entry.WithError(cause)
		}
		entry.Info("Session closed")

		s.server.detach(s)
	})
}

// run is the read loop. It owns the inbound side of the bearer until the
// bearer fails.
func (s *Session) run() {
	for {
		pdu, err := s.bearer.ReadPDU()
		if err != nil {
			if errors.Is(err, l2cap.ErrBearerClosed) {
				err = nil
			}
			s.shutdown(err)
			return
		}
		s.server.capture.LogPDU("rx", s.peer, pdu)
		s.handlePDU(pdu)
	}
}

func (s *Session) handlePDU(pdu []byte) {
	if len(pdu) == 0 {
		s.log.Warn("Dropping empty PDU")
		return
	}
	op := pdu[0]

	pkt, err := att.DecodePacket(pdu)
	if err != nil {
		s.handleDecodeError(op, err)
		return
	}

	switch {
	case att.IsResponse(op):
		if err := s.tracker.CompleteRequest(op, pkt); err != nil {
			s.log.WithError(err).Warn("Protocol violation, dropping response")
		}
	case att.IsConfirmation(op):
		s.confirm()
	case att.IsNotification(op), att.IsIndication(op):
		s.deliver(pkt)
	case att.IsRequest(op):
		s.serveRequest(op, pkt)
	case att.IsCommand(op):
		s.server.handleCommand(s, pkt)
	default:
		s.log.WithField("opcode", fmt.Sprintf("0x%02X", op)).Warn("Dropping PDU of unknown class")
	}
}

// handleDecodeError answers undecodable requests and drops everything else.
// A malformed response fails the request it was meant to answer.
func (s *Session) handleDecodeError(op uint8, err error) {
	entry := s.log.WithError(err).WithField("opcode", fmt.Sprintf("0x%02X", op))

	switch {
	case att.IsCommand(op), att.IsNotification(op), att.IsIndication(op), att.IsConfirmation(op):
		entry.Warn("Dropping undecodable PDU")
	case att.IsResponse(op):
		if s.tracker.FailRequest(err) != nil {
			entry.Warn("Protocol violation, dropping undecodable response")
		}
	case s.serving.Load():
		entry.Warn("Protocol violation, request while another is being served")
	case errors.Is(err, att.ErrUnsupportedOpcode):
		entry.Debug("Request not supported")
		s.send(&att.ErrorResponse{RequestOpcode: op, ErrorCode: att.ErrRequestNotSupported})
	default:
		entry.Warn("Malformed request")
		s.send(&att.ErrorResponse{RequestOpcode: op, ErrorCode: att.ErrInvalidPDU})
	}
}

// serveRequest answers one request. A request whose answer waits on a
// deferred read is finished off the read loop so confirmations and
// responses keep flowing meanwhile.
func (s *Session) serveRequest(op uint8, pkt interface{}) {
	if s.serving.Load() {
		s.log.WithField("opcode", att.OpcodeName(op)).Warn("Protocol violation, request while another is being served")
		return
	}

	resp, wait := s.server.handleRequest(s, pkt)
	if wait == nil {
		s.send(resp)
		return
	}

	s.serving.Store(true)
	go func() {
		resp := wait()
		s.serving.Store(false)
		if resp != nil {
			s.send(resp)
		}
	}()
}

func (s *Session) deliver(pkt interface{}) {
	var (
		handle     uint16
		value      []byte
		indication bool
	)
	switch p := pkt.(type) {
	case *att.HandleValueNotification:
		handle, value = p.Handle, p.Value
	case *att.HandleValueIndication:
		handle, value, indication = p.Handle, p.Value, true
	}

	s.handlersMu.RLock()
	fns := append(append([]NotificationFunc(nil), s.handlers[handle]...), s.handlers[0]...)
	s.handlersMu.RUnlock()

	for _, fn := range fns {
		fn(handle, value, indication)
	}
	if indication {
		s.send(&att.HandleValueConfirmation{})
	}
}

// send encodes and writes one packet.
func (s *Session) send(pkt interface{}) error {
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode PDU")
		return err
	}
	return s.writePDU(pdu)
}

func (s *Session) writePDU(pdu []byte) error {
	select {
	case <-s.closed:
		return att.ErrConnectionLost
	default:
	}
	s.server.capture.LogPDU("tx", s.peer, pdu)
	if err := s.bearer.WritePDU(pdu); err != nil {
		s.log.WithError(err).Debug("Write failed")
		return fmt.Errorf("%w: %v", att.ErrConnectionLost, err)
	}
	return nil
}

// clip truncates a notification or indication value to what fits one PDU.
func (s *Session) clip(value []byte) []byte {
	if limit := s.MTU() - 3; len(value) > limit {
		return value[:limit]
	}
	return value
}

// Notify sends a Handle Value Notification.
func (s *Session) Notify(handle uint16, value []byte) error {
	return s.send(&att.HandleValueNotification{Handle: handle, Value: s.clip(value)})
}

// Indicate sends a Handle Value Indication and waits for the confirmation.
// It fails with ErrIndicationInFlight if another indication is unconfirmed.
// A missing confirmation fails with att.ErrTimeout; the session stays open.
func (s *Session) Indicate(ctx context.Context, handle uint16, value []byte) error {
	select {
	case s.indSlot <- struct{}{}:
	default:
		return ErrIndicationInFlight
	}
	return s.indicate(ctx, handle, value)
}

// IndicateQueued is Indicate but waits for the indication slot instead of
// failing.
func (s *Session) IndicateQueued(ctx context.Context, handle uint16, value []byte) error {
	select {
	case s.indSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return att.ErrConnectionLost
	}
	return s.indicate(ctx, handle, value)
}

// indicate runs one indication transaction. Caller holds the slot.
func (s *Session) indicate(ctx context.Context, handle uint16, value []byte) error {
	defer func() { <-s.indSlot }()

	confirmed := make(chan struct{})
	s.confirmMu.Lock()
	s.confirmC = confirmed
	s.confirmMu.Unlock()
	defer func() {
		s.confirmMu.Lock()
		if s.confirmC == confirmed {
			s.confirmC = nil
		}
		s.confirmMu.Unlock()
	}()

	if err := s.send(&att.HandleValueIndication{Handle: handle, Value: s.clip(value)}); err != nil {
		return err
	}

	timer := time.NewTimer(s.indicationTimeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		return nil
	case <-timer.C:
		s.log.WithField("handle", handle).Warn("Indication not confirmed")
		return fmt.Errorf("%w: indication on handle 0x%04X not confirmed", att.ErrTimeout, handle)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return att.ErrConnectionLost
	}
}

func (s *Session) confirm() {
	s.confirmMu.Lock()
	c := s.confirmC
	s.confirmC = nil
	s.confirmMu.Unlock()

	if c == nil {
		s.log.Warn("Protocol violation, confirmation without pending indication")
		return
	}
	close(c)
}
