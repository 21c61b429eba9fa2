package gatt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry misuse errors. These are programming errors in the profile that
// registers services, never remote input.
var (
	ErrNoOpenService        = errors.New("gatt: no open service")
	ErrNoOpenCharacteristic = errors.New("gatt: no open characteristic")
	ErrUnknownService       = errors.New("gatt: unknown service")
)

// Service is a registered service and the handle range it owns.
type Service struct {
	UUID            []byte
	Primary         bool
	Handle          uint16 // declaration handle, first in the range
	EndHandle       uint16 // last handle in the range
	Characteristics []*Characteristic
}

// Characteristic is a registered characteristic.
type Characteristic struct {
	UUID              []byte
	Properties        uint8
	Access            Access
	DeclarationHandle uint16
	ValueHandle       uint16
	CCCHandle         uint16 // 0 when the characteristic has no CCC
	DescriptorHandles []uint16
	ServiceHandle     uint16
}

// Registry builds services into the attribute database and tracks the
// handle ranges they own. Services are kept in registration order.
type Registry struct {
	mu       sync.Mutex
	db       *AttributeDatabase
	subs     *Subscriptions
	services *orderedmap.OrderedMap[uint16, *Service]
	chars    map[uint16]*Characteristic // value handle -> characteristic
	open     *Service
	openChar *Characteristic
	changed  func(start, end uint16)
	log      logrus.FieldLogger
}

// NewRegistry creates a registry writing into db.
func NewRegistry(db *AttributeDatabase, subs *Subscriptions, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if subs == nil {
		subs = NewSubscriptions(nil, log)
	}
	return &Registry{
		db:       db,
		subs:     subs,
		services: orderedmap.New[uint16, *Service](),
		chars:    make(map[uint16]*Characteristic),
		log:      log,
	}
}

// OnServiceChanged registers fn to run after a service is removed.
func (r *Registry) OnServiceChanged(fn func(start, end uint16)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = fn
}

// AddService opens a new service. Characteristics and descriptors added
// afterwards belong to it until the next AddService.
func (r *Registry) AddService(uuid []byte, primary bool) (uint16, error) {
	if !validUUID(uuid) {
		return 0, fmt.Errorf("gatt: invalid service UUID length %d", len(uuid))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	declType := UUIDSecondaryService
	if primary {
		declType = UUIDPrimaryService
	}
	handle, err := r.db.Add(declType, uuid, PermRead)
	if err != nil {
		return 0, err
	}

	svc := &Service{
		UUID:      append([]byte{}, uuid...),
		Primary:   primary,
		Handle:    handle,
		EndHandle: handle,
	}
	r.services.Set(handle, svc)
	r.open = svc
	r.openChar = nil

	r.log.WithFields(logrus.Fields{"uuid": UUIDString(uuid), "handle": handle}).Debug("Service added")
	return handle, nil
}

// AddCharacteristic appends a characteristic to the open service and returns
// its value handle. Reads are permitted only with a read handler, writes only
// with a write handler. Notify or indicate properties add a CCC descriptor.
func (r *Registry) AddCharacteristic(uuid []byte, props uint8, read ReadHandler, write WriteHandler) (uint16, error) {
	return r.addCharacteristic(uuid, props, nil, 0, read, write)
}

func (r *Registry) addCharacteristic(uuid []byte, props uint8, value []byte, extraPerms uint8, read ReadHandler, write WriteHandler) (uint16, error) {
	if !validUUID(uuid) {
		return 0, fmt.Errorf("gatt: invalid characteristic UUID length %d", len(uuid))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open == nil {
		return 0, ErrNoOpenService
	}

	readable := read != nil || (value != nil && props&PropRead != 0)
	writable := write != nil

	// Format: [Properties: 1 byte][Value Handle: 2 bytes][UUID: 2 or 16 bytes]
	next := r.db.NextHandle()
	if next == 0 || next == 0xFFFF {
		return 0, ErrHandlesExhausted
	}
	declValue := make([]byte, 3+len(uuid))
	declValue[0] = props
	binary.LittleEndian.PutUint16(declValue[1:3], next+1)
	copy(declValue[3:], uuid)

	declHandle, err := r.db.Add(UUIDCharacteristic, declValue, PermRead)
	if err != nil {
		return 0, err
	}

	var perms uint8
	if readable {
		perms |= PermRead | extraPerms&(PermReadEncrypt|PermReadAuthen)
	}
	if writable {
		perms |= PermWrite | extraPerms&(PermWriteEncrypt|PermWriteAuthen)
	}
	valueHandle, err := r.db.AddAttribute(Attribute{
		Type:        uuid,
		Value:       value,
		Permissions: perms,
		Read:        read,
		Write:       write,
		Cached:      value != nil,
	})
	if err != nil {
		return 0, err
	}

	char := &Characteristic{
		UUID:              append([]byte{}, uuid...),
		Properties:        props,
		Access:            accessFor(props, readable, writable),
		DeclarationHandle: declHandle,
		ValueHandle:       valueHandle,
		ServiceHandle:     r.open.Handle,
	}
	r.open.EndHandle = valueHandle

	if props&(PropNotify|PropIndicate) != 0 {
		h := &cccHandler{subs: r.subs, valueHandle: valueHandle, props: props}
		cccHandle, err := r.db.AddAttribute(Attribute{
			Type:        UUIDClientCharacteristicConfig,
			Permissions: PermRead | PermWrite,
			Read:        h,
			Write:       h,
		})
		if err != nil {
			return 0, err
		}
		r.subs.register(valueHandle, cccHandle)
		char.CCCHandle = cccHandle
		char.DescriptorHandles = append(char.DescriptorHandles, cccHandle)
		r.open.EndHandle = cccHandle
	}

	r.open.Characteristics = append(r.open.Characteristics, char)
	r.chars[valueHandle] = char
	r.openChar = char

	r.log.WithFields(logrus.Fields{
		"uuid":   UUIDString(uuid),
		"handle": valueHandle,
		"access": char.Access,
	}).Debug("Characteristic added")
	return valueHandle, nil
}

// AddDescriptor appends a descriptor to the open characteristic.
func (r *Registry) AddDescriptor(uuid []byte, read ReadHandler, write WriteHandler) (uint16, error) {
	return r.addDescriptor(uuid, nil, read, write)
}

func (r *Registry) addDescriptor(uuid []byte, value []byte, read ReadHandler, write WriteHandler) (uint16, error) {
	if !validUUID(uuid) {
		return 0, fmt.Errorf("gatt: invalid descriptor UUID length %d", len(uuid))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.openChar == nil {
		return 0, ErrNoOpenCharacteristic
	}

	var perms uint8
	if read != nil || value != nil {
		perms |= PermRead
	}
	if write != nil {
		perms |= PermWrite
	}
	handle, err := r.db.AddAttribute(Attribute{
		Type:        uuid,
		Value:       value,
		Permissions: perms,
		Read:        read,
		Write:       write,
		Cached:      value != nil,
	})
	if err != nil {
		return 0, err
	}

	r.openChar.DescriptorHandles = append(r.openChar.DescriptorHandles, handle)
	r.open.EndHandle = handle
	return handle, nil
}

// RemoveService tears down the whole handle range of the service declared
// at handle, including subscriptions to its characteristics.
func (r *Registry) RemoveService(handle uint16) error {
	r.mu.Lock()
	svc, ok := r.services.Get(handle)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: 0x%04X", ErrUnknownService, handle)
	}

	removed := r.db.RemoveRange(svc.Handle, svc.EndHandle)
	for _, c := range svc.Characteristics {
		delete(r.chars, c.ValueHandle)
		if c.CCCHandle != 0 {
			r.subs.forget(c.ValueHandle)
		}
	}
	r.services.Delete(handle)
	if r.open == svc {
		r.open = nil
		r.openChar = nil
	}
	changed := r.changed
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"uuid":       UUIDString(svc.UUID),
		"start":      svc.Handle,
		"end":        svc.EndHandle,
		"attributes": removed,
	}).Debug("Service removed")

	if changed != nil {
		changed(svc.Handle, svc.EndHandle)
	}
	return nil
}

// Services returns the registered services in registration order.
func (r *Registry) Services() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Service, 0, r.services.Len())
	for pair := r.services.Oldest(); pair != nil; pair = pair.Next() {
		s := *pair.Value
		s.Characteristics = append([]*Characteristic(nil), pair.Value.Characteristics...)
		out = append(out, &s)
	}
	return out
}

// Characteristic returns the characteristic owning valueHandle.
func (r *Registry) Characteristic(valueHandle uint16) (*Characteristic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[valueHandle]
	return c, ok
}

// FindCharacteristic returns the first characteristic with the given UUID.
func (r *Registry) FindCharacteristic(uuid []byte) (*Characteristic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pair := r.services.Oldest(); pair != nil; pair = pair.Next() {
		for _, c := range pair.Value.Characteristics {
			if UUIDEqual(c.UUID, uuid) {
				return c, true
			}
		}
	}
	return nil, false
}

// Database returns the database the registry writes into.
func (r *Registry) Database() *AttributeDatabase {
	return r.db
}

// Subscriptions returns the CCC state the registry's descriptors write into.
func (r *Registry) Subscriptions() *Subscriptions {
	return r.subs
}

func validUUID(u []byte) bool {
	return IsUUID16(u) || IsUUID128(u)
}
