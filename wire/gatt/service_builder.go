package gatt

import (
	"fmt"
)

// ServiceDef is a declarative service description
type ServiceDef struct {
	UUID            []byte // Service UUID (2 or 16 bytes)
	Primary         bool   // true = primary service, false = secondary
	Characteristics []CharacteristicDef
}

// CharacteristicDef is a declarative characteristic description. A Value
// without a Read handler is served as-is; Permissions adds security
// requirements (PermReadEncrypt etc.) on top of those implied by the handlers.
type CharacteristicDef struct {
	UUID        []byte
	Properties  uint8
	Value       []byte
	Permissions uint8
	Read        ReadHandler
	Write       WriteHandler
	Descriptors []DescriptorDef
}

// DescriptorDef is a declarative descriptor description
type DescriptorDef struct {
	UUID  []byte
	Value []byte
	Read  ReadHandler
	Write WriteHandler
}

// Register adds def to the database and returns the resulting service.
func (r *Registry) Register(def ServiceDef) (*Service, error) {
	handle, err := r.AddService(def.UUID, def.Primary)
	if err != nil {
		return nil, err
	}

	for _, c := range def.Characteristics {
		if _, err := r.addCharacteristic(c.UUID, c.Properties, c.Value, c.Permissions, c.Read, c.Write); err != nil {
			return nil, fmt.Errorf("gatt: characteristic %s: %w", UUIDString(c.UUID), err)
		}
		for _, d := range c.Descriptors {
			if _, err := r.addDescriptor(d.UUID, d.Value, d.Read, d.Write); err != nil {
				return nil, fmt.Errorf("gatt: descriptor %s: %w", UUIDString(d.UUID), err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	svc, _ := r.services.Get(handle)
	return svc, nil
}

// RegisterDefaultServices registers the mandatory Generic Access and
// Generic Attribute services and returns the Service Changed value handle.
func (r *Registry) RegisterDefaultServices(deviceName string, appearance uint16) (uint16, error) {
	if _, err := r.Register(NewGenericAccessService(deviceName, appearance)); err != nil {
		return 0, err
	}
	svc, err := r.Register(NewGenericAttributeService())
	if err != nil {
		return 0, err
	}
	return svc.Characteristics[0].ValueHandle, nil
}

// NewGenericAccessService creates the mandatory Generic Access service (0x1800)
func NewGenericAccessService(deviceName string, appearance uint16) ServiceDef {
	return ServiceDef{
		UUID:    UUIDGenericAccess,
		Primary: true,
		Characteristics: []CharacteristicDef{
			{
				UUID:       UUIDDeviceName,
				Properties: PropRead,
				Value:      []byte(deviceName),
			},
			{
				UUID:       UUIDAppearance,
				Properties: PropRead,
				Value:      []byte{byte(appearance), byte(appearance >> 8)},
			},
		},
	}
}

// NewGenericAttributeService creates the mandatory Generic Attribute service (0x1801)
func NewGenericAttributeService() ServiceDef {
	return ServiceDef{
		UUID:    UUIDGenericAttribute,
		Primary: true,
		Characteristics: []CharacteristicDef{
			{
				UUID:       UUIDServiceChanged,
				Properties: PropIndicate,
				Value:      []byte{0x00, 0x00, 0x00, 0x00}, // Start handle, end handle
			},
		},
	}
}

// ServiceChangedValue encodes the affected handle range for a Service Changed indication.
func ServiceChangedValue(start, end uint16) []byte {
	return []byte{byte(start), byte(start >> 8), byte(end), byte(end >> 8)}
}
