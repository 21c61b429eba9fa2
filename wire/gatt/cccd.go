package gatt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire/att"
)

// CCCD (Client Characteristic Configuration Descriptor) values
// These are written by clients to enable/disable notifications and indications
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
	CCCDBothEnabled           = 0x0003 // Both notifications and indications
)

// SubscriptionStore persists CCC bitmaps per peer. Keys are CCC descriptor
// handles.
type SubscriptionStore interface {
	Load(peer string) (map[uint16]uint16, error)
	Save(peer string, cccHandle uint16, value uint16) error
}

// Subscriber is one peer's configuration for a characteristic.
type Subscriber struct {
	Peer string
	Bits uint16
}

// Notify reports whether notifications are enabled.
func (s Subscriber) Notify() bool { return s.Bits&CCCDNotificationsEnabled != 0 }

// Indicate reports whether indications are enabled.
func (s Subscriber) Indicate() bool { return s.Bits&CCCDIndicationsEnabled != 0 }

// Subscriptions tracks which connected peers enabled notifications or
// indications on which characteristic value handles. State for a peer is
// loaded from the store when it connects and dropped from the live set when
// it disconnects; the store keeps it for the next connection.
type Subscriptions struct {
	mu    sync.RWMutex
	live  map[string]map[uint16]uint16 // peer -> value handle -> bits
	ccc   map[uint16]uint16            // value handle -> CCC handle
	value map[uint16]uint16            // CCC handle -> value handle
	store SubscriptionStore
	log   logrus.FieldLogger
}

// NewSubscriptions creates an empty subscription table. store may be nil.
func NewSubscriptions(store SubscriptionStore, log logrus.FieldLogger) *Subscriptions {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Subscriptions{
		live:  make(map[string]map[uint16]uint16),
		ccc:   make(map[uint16]uint16),
		value: make(map[uint16]uint16),
		store: store,
		log:   log,
	}
}

func (s *Subscriptions) register(valueHandle, cccHandle uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ccc[valueHandle] = cccHandle
	s.value[cccHandle] = valueHandle
}

// forget removes a characteristic and every peer's configuration for it.
func (s *Subscriptions) forget(valueHandle uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.value, s.ccc[valueHandle])
	delete(s.ccc, valueHandle)
	for _, handles := range s.live {
		delete(handles, valueHandle)
	}
}

// CCCHandle returns the CCC descriptor handle of a characteristic value handle.
func (s *Subscriptions) CCCHandle(valueHandle uint16) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.ccc[valueHandle]
	return h, ok
}

// Set records peer's configuration for valueHandle and persists it. Only
// peers made live by Restore enter the live set; for any other peer the
// configuration is only persisted.
func (s *Subscriptions) Set(peer string, valueHandle uint16, bits uint16) error {
	s.mu.Lock()
	cccHandle, ok := s.ccc[valueHandle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("gatt: handle 0x%04X has no CCC descriptor", valueHandle)
	}
	if handles, live := s.live[peer]; live {
		if bits == CCCDNotificationsDisabled {
			delete(handles, valueHandle)
		} else {
			handles[valueHandle] = bits
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.Save(peer, cccHandle, bits); err != nil {
		return fmt.Errorf("gatt: persist CCC for %s: %w", peer, err)
	}
	return nil
}

// Get returns peer's configuration bits for valueHandle.
func (s *Subscriptions) Get(peer string, valueHandle uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[peer][valueHandle]
}

// Subscribers returns a snapshot of connected peers subscribed to valueHandle.
func (s *Subscriptions) Subscribers(valueHandle uint16) []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscriber
	for peer, handles := range s.live {
		if bits := handles[valueHandle]; bits != 0 {
			out = append(out, Subscriber{Peer: peer, Bits: bits})
		}
	}
	return out
}

// Restore makes peer live and loads its persisted configuration. Entries
// for CCC handles that no longer exist are skipped. When loading fails the
// peer is still live, with no subscriptions.
func (s *Subscriptions) Restore(peer string) error {
	var (
		stored map[uint16]uint16
		err    error
	)
	if s.store != nil {
		if stored, err = s.store.Load(peer); err != nil {
			err = fmt.Errorf("gatt: load CCC for %s: %w", peer, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make(map[uint16]uint16)
	for cccHandle, bits := range stored {
		valueHandle, ok := s.value[cccHandle]
		if !ok {
			s.log.WithFields(logrus.Fields{"peer": peer, "handle": cccHandle}).
				Debug("Skipping stored CCC for unknown descriptor")
			continue
		}
		if bits != 0 {
			handles[valueHandle] = bits
		}
	}
	s.live[peer] = handles
	return err
}

// Drop removes peer from the live set.
func (s *Subscriptions) Drop(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, peer)
}

// Count returns the number of characteristics peer is subscribed to.
func (s *Subscriptions) Count(peer string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live[peer])
}

// cccHandler serves a CCC descriptor from Subscriptions for the requesting peer.
type cccHandler struct {
	subs        *Subscriptions
	valueHandle uint16
	props       uint8
}

func (h *cccHandler) ServeRead(req Request) ([]byte, error) {
	return encodeBits(h.subs.Get(req.Peer, h.valueHandle)), nil
}

func (h *cccHandler) ServeWrite(req Request, value []byte) error {
	if req.Offset != 0 {
		return att.Code(att.ErrInvalidOffset)
	}
	bits, err := DecodeCCCDBits(value)
	if err != nil {
		return err
	}
	if (bits&CCCDNotificationsEnabled != 0 && h.props&PropNotify == 0) ||
		(bits&CCCDIndicationsEnabled != 0 && h.props&PropIndicate == 0) ||
		bits&^CCCDBothEnabled != 0 {
		return att.Code(att.ErrCCCDImproperlyConfigured)
	}
	return h.subs.Set(req.Peer, h.valueHandle, bits)
}

func encodeBits(bits uint16) []byte {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, bits)
	return v
}

// EncodeCCCDValue converts subscription state to CCCD value bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value uint16
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}
	return encodeBits(value)
}

// DecodeCCCDBits parses a 2 byte CCC value.
func DecodeCCCDBits(cccdValue []byte) (uint16, error) {
	if len(cccdValue) != 2 {
		return 0, att.Code(att.ErrInvalidAttributeValueLength)
	}
	return binary.LittleEndian.Uint16(cccdValue), nil
}
