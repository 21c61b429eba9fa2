package wire

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/gatt"
)

func errorResponse(op uint8, handle uint16, code uint8) *att.ErrorResponse {
	return &att.ErrorResponse{RequestOpcode: op, Handle: handle, ErrorCode: code}
}

func checkRange(op uint8, start, end uint16) *att.ErrorResponse {
	if start == 0 || start > end {
		return errorResponse(op, start, att.ErrInvalidHandle)
	}
	return nil
}

// handleRequest answers one request from sess. When the answer has to wait
// for a deferred read it returns a wait function producing the response
// instead; wait returns nil if the session closes first.
func (s *Server) handleRequest(sess *Session, pkt interface{}) (interface{}, func() interface{}) {
	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		return s.handleExchangeMTU(sess, p), nil

	case *att.FindInformationRequest:
		if resp := checkRange(att.OpFindInformationRequest, p.StartHandle, p.EndHandle); resp != nil {
			return resp, nil
		}
		resp := gatt.BuildFindInformationResponse(s.db.Range(p.StartHandle, p.EndHandle), sess.MTU())
		if resp == nil {
			return errorResponse(att.OpFindInformationRequest, p.StartHandle, att.ErrAttributeNotFound), nil
		}
		return resp, nil

	case *att.FindByTypeValueRequest:
		if resp := checkRange(att.OpFindByTypeValueRequest, p.StartHandle, p.EndHandle); resp != nil {
			return resp, nil
		}
		groups := s.db.FindByTypeValue(p.StartHandle, p.EndHandle, p.Type, p.Value)
		resp := gatt.BuildFindByTypeValueResponse(groups, sess.MTU())
		if resp == nil {
			return errorResponse(att.OpFindByTypeValueRequest, p.StartHandle, att.ErrAttributeNotFound), nil
		}
		return resp, nil

	case *att.ReadByTypeRequest:
		return s.handleReadByType(sess, p), nil

	case *att.ReadByGroupTypeRequest:
		if resp := checkRange(att.OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle); resp != nil {
			return resp, nil
		}
		if !gatt.UUIDEqual(p.Type, gatt.UUIDPrimaryService) && !gatt.UUIDEqual(p.Type, gatt.UUIDSecondaryService) {
			return errorResponse(att.OpReadByGroupTypeRequest, p.StartHandle, att.ErrUnsupportedGroupType), nil
		}
		groups := s.db.FindByGroupType(p.StartHandle, p.EndHandle, p.Type)
		resp := gatt.BuildReadByGroupTypeResponse(groups, sess.MTU())
		if resp == nil {
			return errorResponse(att.OpReadByGroupTypeRequest, p.StartHandle, att.ErrAttributeNotFound), nil
		}
		return resp, nil

	case *att.ReadRequest:
		return s.handleRead(sess, att.OpReadRequest, p.Handle, 0)

	case *att.ReadBlobRequest:
		return s.handleRead(sess, att.OpReadBlobRequest, p.Handle, p.Offset)

	case *att.ReadMultipleRequest:
		return s.handleReadMultiple(sess, p), nil

	case *att.WriteRequest:
		if err := s.write(sess, p.Handle, 0, p.Value); err != nil {
			return att.ToErrorResponse(err, att.OpWriteRequest, p.Handle), nil
		}
		return &att.WriteResponse{}, nil

	case *att.PrepareWriteRequest:
		return s.handlePrepareWrite(sess, p), nil

	case *att.ExecuteWriteRequest:
		return s.handleExecuteWrite(sess, p), nil
	}

	op := att.OpcodeOf(pkt)
	return errorResponse(op, att.HandleOf(pkt), att.ErrRequestNotSupported), nil
}

// handleCommand applies a command. Commands are never answered, so
// failures are only logged.
func (s *Server) handleCommand(sess *Session, pkt interface{}) {
	switch p := pkt.(type) {
	case *att.WriteCommand:
		if err := s.write(sess, p.Handle, 0, p.Value); err != nil {
			sess.log.WithError(err).WithField("handle", p.Handle).Debug("Write command failed")
		}
	default:
		sess.log.WithField("opcode", att.OpcodeName(att.OpcodeOf(pkt))).Warn("Dropping unsupported command")
	}
}

func (s *Server) handleExchangeMTU(sess *Session, p *att.ExchangeMTURequest) interface{} {
	mtu := int(p.ClientRxMTU)
	if mtu > s.cfg.MTU {
		mtu = s.cfg.MTU
	}
	sess.setMTU(mtu)
	sess.log.WithFields(logrus.Fields{"client_mtu": p.ClientRxMTU, "mtu": sess.MTU()}).Debug("MTU exchanged")
	return &att.ExchangeMTUResponse{ServerRxMTU: uint16(s.cfg.MTU)}
}

func (s *Server) checkRead(sess *Session, a *gatt.Attribute) error {
	if a.Permissions&gatt.PermRead == 0 {
		return att.Code(att.ErrReadNotPermitted)
	}
	return sess.checkSecurity(a.Permissions&gatt.PermReadAuthen != 0, a.Permissions&gatt.PermReadEncrypt != 0)
}

func (s *Server) checkWrite(sess *Session, a *gatt.Attribute) error {
	if a.Permissions&gatt.PermWrite == 0 {
		return att.Code(att.ErrWriteNotPermitted)
	}
	return sess.checkSecurity(a.Permissions&gatt.PermWriteAuthen != 0, a.Permissions&gatt.PermWriteEncrypt != 0)
}

// readValue returns the full value of a readable attribute. The error may
// be gatt.ErrDeferred.
func (s *Server) readValue(sess *Session, a *gatt.Attribute, offset uint16) ([]byte, error) {
	if a.Read == nil {
		return a.Value, nil
	}
	return a.Read.ServeRead(gatt.Request{Peer: sess.peer, Handle: a.Handle, Offset: offset})
}

// readNow is readValue for reads that cannot wait: a deferred read serves
// the cached value, or IO when nothing is cached yet.
func (s *Server) readNow(sess *Session, a *gatt.Attribute) ([]byte, error) {
	if err := s.checkRead(sess, a); err != nil {
		return nil, err
	}
	value, err := s.readValue(sess, a, 0)
	if errors.Is(err, gatt.ErrDeferred) {
		if a.Cached {
			return a.Value, nil
		}
		return nil, att.Code(att.ErrIO)
	}
	return value, err
}

func (s *Server) handleRead(sess *Session, op uint8, handle, offset uint16) (interface{}, func() interface{}) {
	a, err := s.db.Get(handle)
	if err != nil {
		return att.ToErrorResponse(err, op, handle), nil
	}
	if err := s.checkRead(sess, a); err != nil {
		return att.ToErrorResponse(err, op, handle), nil
	}

	value, err := s.readValue(sess, a, offset)
	switch {
	case errors.Is(err, gatt.ErrDeferred):
		if a.Cached {
			return readResponse(sess, op, handle, a.Value, offset), nil
		}
		wait := s.deferred.add(sess.id, handle)
		return nil, func() interface{} {
			return s.awaitDeferred(sess, op, handle, offset, wait)
		}
	case err != nil:
		return att.ToErrorResponse(err, op, handle), nil
	}
	return readResponse(sess, op, handle, value, offset), nil
}

// awaitDeferred waits up to the deferred read grace period for the value
// of handle to be stored, then answers from the database.
func (s *Server) awaitDeferred(sess *Session, op uint8, handle, offset uint16, wait <-chan struct{}) interface{} {
	timer := time.NewTimer(s.cfg.DeferredReadTimeout)
	defer timer.Stop()

	select {
	case <-wait:
	case <-timer.C:
		s.deferred.cancel(sess.id, handle)
	case <-sess.closed:
		return nil
	}

	a, err := s.db.Get(handle)
	if err != nil {
		return att.ToErrorResponse(err, op, handle)
	}
	if !a.Cached {
		sess.log.WithField("handle", handle).Debug("Deferred read expired with no value")
		return errorResponse(op, handle, att.ErrIO)
	}
	return readResponse(sess, op, handle, a.Value, offset)
}

func readResponse(sess *Session, op uint8, handle uint16, value []byte, offset uint16) interface{} {
	if int(offset) > len(value) {
		return errorResponse(op, handle, att.ErrInvalidOffset)
	}
	value = value[offset:]
	if limit := sess.MTU() - 1; len(value) > limit {
		value = value[:limit]
	}
	if op == att.OpReadBlobRequest {
		return &att.ReadBlobResponse{Value: value}
	}
	return &att.ReadResponse{Value: value}
}

func (s *Server) handleReadByType(sess *Session, p *att.ReadByTypeRequest) interface{} {
	const op = att.OpReadByTypeRequest
	if resp := checkRange(op, p.StartHandle, p.EndHandle); resp != nil {
		return resp
	}

	attrs := s.db.FindByType(p.StartHandle, p.EndHandle, p.Type)
	if len(attrs) == 0 {
		return errorResponse(op, p.StartHandle, att.ErrAttributeNotFound)
	}

	mtu := sess.MTU()
	capacity := 0
	records := make([]att.AttributeData, 0, 4)
	for i, a := range attrs {
		value, err := s.readNow(sess, a)
		if err != nil {
			if i == 0 {
				return att.ToErrorResponse(err, op, a.Handle)
			}
			break
		}
		records = append(records, att.AttributeData{Handle: a.Handle, Value: value})
		if i == 0 {
			capacity = att.RecordCapacity(att.OpReadByTypeResponse, mtu, 2+min(len(value), mtu-4))
		}
		if len(records) >= capacity {
			break
		}
	}
	return gatt.BuildReadByTypeResponse(records, mtu)
}

func (s *Server) handleReadMultiple(sess *Session, p *att.ReadMultipleRequest) interface{} {
	const op = att.OpReadMultipleRequest
	var values []byte
	for _, h := range p.Handles {
		a, err := s.db.Get(h)
		if err != nil {
			return att.ToErrorResponse(err, op, h)
		}
		v, err := s.readNow(sess, a)
		if err != nil {
			return att.ToErrorResponse(err, op, h)
		}
		values = append(values, v...)
	}
	if limit := sess.MTU() - 1; len(values) > limit {
		values = values[:limit]
	}
	return &att.ReadMultipleResponse{Values: values}
}

// write applies value at offset to handle through its write handler, or
// straight into the database for attributes without one.
func (s *Server) write(sess *Session, handle, offset uint16, value []byte) error {
	a, err := s.db.Get(handle)
	if err != nil {
		return err
	}
	if err := s.checkWrite(sess, a); err != nil {
		return err
	}
	if a.Write != nil {
		return a.Write.ServeWrite(gatt.Request{Peer: sess.peer, Handle: handle, Offset: offset}, value)
	}

	if int(offset) > len(a.Value) {
		return att.Code(att.ErrInvalidOffset)
	}
	merged := append(append([]byte{}, a.Value[:offset]...), value...)
	return s.UpdateValue(handle, merged)
}

func (s *Server) handlePrepareWrite(sess *Session, p *att.PrepareWriteRequest) interface{} {
	const op = att.OpPrepareWriteRequest
	a, err := s.db.Get(p.Handle)
	if err != nil {
		return att.ToErrorResponse(err, op, p.Handle)
	}
	if err := s.checkWrite(sess, a); err != nil {
		return att.ToErrorResponse(err, op, p.Handle)
	}
	if err := sess.prepare.Queue(p); err != nil {
		return att.ToErrorResponse(err, op, p.Handle)
	}
	return &att.PrepareWriteResponse{Handle: p.Handle, Offset: p.Offset, Value: p.Value}
}

func (s *Server) handleExecuteWrite(sess *Session, p *att.ExecuteWriteRequest) interface{} {
	const op = att.OpExecuteWriteRequest
	switch p.Flags {
	case att.ExecuteWriteCancel:
		sess.prepare.Clear()
		return &att.ExecuteWriteResponse{}
	case att.ExecuteWriteCommit:
		sess.log.WithFields(logrus.Fields{
			"fragments": sess.prepare.Len(),
			"handles":   sess.prepare.QueuedHandles(),
		}).Debug("Executing prepared writes")
	default:
		sess.prepare.Clear()
		return errorResponse(op, 0, att.ErrInvalidPDU)
	}

	for _, w := range sess.prepare.Execute() {
		if err := s.write(sess, w.Handle, w.Offset, w.Value); err != nil {
			return att.ToErrorResponse(err, op, w.Handle)
		}
	}
	return &att.ExecuteWriteResponse{}
}
