package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/gatt"
)

// Request sends one request and waits for its response. Only one request
// may be outstanding; a second one fails immediately with
// att.ErrRequestInFlight and leaves the first untouched. An Error Response
// is returned as an *att.Error.
func (s *Session) Request(ctx context.Context, pkt interface{}) (interface{}, error) {
	op := att.OpcodeOf(pkt)
	if !att.IsRequest(op) {
		return nil, fmt.Errorf("wire: %s is not a request", att.OpcodeName(op))
	}
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return nil, err
	}
	if len(pdu) > s.MTU() {
		return nil, fmt.Errorf("wire: %s of %d bytes exceeds MTU %d", att.OpcodeName(op), len(pdu), s.MTU())
	}

	select {
	case <-s.closed:
		return nil, att.ErrConnectionLost
	default:
	}

	respC, err := s.tracker.StartRequest(op, att.HandleOf(pkt), s.requestTimeout)
	if err != nil {
		return nil, err
	}
	if err := s.writePDU(pdu); err != nil {
		s.tracker.FailRequest(err)
		<-respC
		return nil, err
	}

	select {
	case resp := <-respC:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Packet, nil
	case <-ctx.Done():
		if opcode, handle, elapsed, ok := s.tracker.GetPendingInfo(); ok {
			s.log.WithFields(logrus.Fields{
				"opcode":  att.OpcodeName(opcode),
				"handle":  handle,
				"elapsed": elapsed,
			}).Debug("Request cancelled")
		}
		// Free the slot; a response arriving later is a protocol violation.
		if s.tracker.FailRequest(ctx.Err()) == nil {
			<-respC
			return nil, ctx.Err()
		}
		resp := <-respC
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Packet, nil
	}
}

// ExchangeMTU offers mtu to the server and applies the negotiated value.
func (s *Session) ExchangeMTU(ctx context.Context, mtu int) (int, error) {
	if mtu < DefaultMTU || mtu > MaxMTU {
		return 0, fmt.Errorf("wire: mtu %d outside %d..%d", mtu, DefaultMTU, MaxMTU)
	}
	resp, err := s.Request(ctx, &att.ExchangeMTURequest{ClientRxMTU: uint16(mtu)})
	if err != nil {
		return 0, err
	}
	server := int(resp.(*att.ExchangeMTUResponse).ServerRxMTU)
	s.setMTU(min(mtu, server))
	s.log.WithField("mtu", s.MTU()).Debug("MTU negotiated")
	return s.MTU(), nil
}

// ReadCharacteristic reads the value at handle. A value filling the whole
// Read Response is continued with Read Blob Requests until a short blob
// arrives.
func (s *Session) ReadCharacteristic(ctx context.Context, handle uint16) ([]byte, error) {
	resp, err := s.Request(ctx, &att.ReadRequest{Handle: handle})
	if err != nil {
		return nil, err
	}
	value := append([]byte{}, resp.(*att.ReadResponse).Value...)

	for len(value) > 0 && len(value)%(s.MTU()-1) == 0 && len(value) < 0xFFFF {
		resp, err := s.Request(ctx, &att.ReadBlobRequest{Handle: handle, Offset: uint16(len(value))})
		if att.IsATTError(err, att.ErrAttributeNotLong) || att.IsATTError(err, att.ErrInvalidOffset) {
			break
		}
		if err != nil {
			return nil, err
		}
		part := resp.(*att.ReadBlobResponse).Value
		value = append(value, part...)
		if len(part) < s.MTU()-1 {
			break
		}
	}
	return value, nil
}

// WriteCharacteristic writes value to handle with a Write Request, or with
// prepared writes when it does not fit one.
func (s *Session) WriteCharacteristic(ctx context.Context, handle uint16, value []byte) error {
	if !att.ShouldFragment(s.MTU(), value) {
		_, err := s.Request(ctx, &att.WriteRequest{Handle: handle, Value: value})
		return err
	}

	fragments, err := att.FragmentWrite(handle, value, s.MTU())
	if err != nil {
		return err
	}
	for _, req := range fragments {
		resp, err := s.Request(ctx, req)
		if err == nil {
			err = att.VerifyEcho(req, resp.(*att.PrepareWriteResponse))
		}
		if err != nil {
			s.cancelPrepared(ctx)
			return err
		}
	}
	_, err = s.Request(ctx, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit})
	return err
}

func (s *Session) cancelPrepared(ctx context.Context) {
	if errors.Is(ctx.Err(), context.Canceled) || s.State() == StateDisconnected {
		return
	}
	if _, err := s.Request(ctx, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCancel}); err != nil {
		s.log.WithError(err).Debug("Cancelling prepared writes failed")
	}
}

// WriteWithoutResponse sends a Write Command. The value must fit one PDU.
func (s *Session) WriteWithoutResponse(handle uint16, value []byte) error {
	if limit := s.MTU() - 3; len(value) > limit {
		return fmt.Errorf("wire: write command value of %d bytes exceeds %d", len(value), limit)
	}
	return s.send(&att.WriteCommand{Handle: handle, Value: value})
}

// Subscribe writes the peer's CCC descriptor at cccHandle.
func (s *Session) Subscribe(ctx context.Context, cccHandle uint16, notify, indicate bool) error {
	_, err := s.Request(ctx, &att.WriteRequest{
		Handle: cccHandle,
		Value:  gatt.EncodeCCCDValue(notify, indicate),
	})
	return err
}
