package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/user/gattd/wire/att"
)

// DiscoveredService represents a discovered GATT service
type DiscoveredService struct {
	UUID        []byte // Service UUID
	StartHandle uint16 // First handle in the service
	EndHandle   uint16 // Last handle in the service
}

// DiscoveredCharacteristic represents a discovered GATT characteristic
type DiscoveredCharacteristic struct {
	UUID              []byte // Characteristic UUID
	Properties        uint8  // Characteristic properties (read, write, notify, etc.)
	ValueHandle       uint16 // Handle for read/write operations
	DeclarationHandle uint16 // Handle of the characteristic declaration
}

// DiscoveredDescriptor represents a discovered descriptor
type DiscoveredDescriptor struct {
	UUID   []byte // Descriptor UUID
	Handle uint16 // Descriptor handle
}

// DiscoveryCache stores the results of GATT discovery for a connection
type DiscoveryCache struct {
	Services        []DiscoveredService
	Characteristics map[uint16][]DiscoveredCharacteristic // Service start handle -> characteristics
	Descriptors     map[uint16][]DiscoveredDescriptor     // Characteristic value handle -> descriptors
}

// NewDiscoveryCache creates a new empty discovery cache
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{
		Characteristics: make(map[uint16][]DiscoveredCharacteristic),
		Descriptors:     make(map[uint16][]DiscoveredDescriptor),
	}
}

// AddService adds a discovered service to the cache
func (dc *DiscoveryCache) AddService(service DiscoveredService) {
	dc.Services = append(dc.Services, service)
}

// AddCharacteristic adds a discovered characteristic to the cache
func (dc *DiscoveryCache) AddCharacteristic(serviceStartHandle uint16, char DiscoveredCharacteristic) {
	dc.Characteristics[serviceStartHandle] = append(dc.Characteristics[serviceStartHandle], char)
}

// AddDescriptor adds a discovered descriptor to the cache
func (dc *DiscoveryCache) AddDescriptor(charValueHandle uint16, desc DiscoveredDescriptor) {
	dc.Descriptors[charValueHandle] = append(dc.Descriptors[charValueHandle], desc)
}

// FindService returns the first discovered service with the given UUID
func (dc *DiscoveryCache) FindService(uuid []byte) (DiscoveredService, bool) {
	for _, service := range dc.Services {
		if UUIDEqual(service.UUID, uuid) {
			return service, true
		}
	}
	return DiscoveredService{}, false
}

// FindCharacteristic finds a characteristic by its UUID
func (dc *DiscoveryCache) FindCharacteristic(uuid []byte) (DiscoveredCharacteristic, bool) {
	for _, service := range dc.Services {
		for _, char := range dc.Characteristics[service.StartHandle] {
			if UUIDEqual(char.UUID, uuid) {
				return char, true
			}
		}
	}
	return DiscoveredCharacteristic{}, false
}

// FindDescriptor returns the handle of a descriptor of a characteristic
func (dc *DiscoveryCache) FindDescriptor(charValueHandle uint16, uuid []byte) (uint16, bool) {
	for _, desc := range dc.Descriptors[charValueHandle] {
		if UUIDEqual(desc.UUID, uuid) {
			return desc.Handle, true
		}
	}
	return 0, false
}

// ServicesFromResponse converts a Read By Group Type Response into services.
func ServicesFromResponse(resp *att.ReadByGroupTypeResponse) []DiscoveredService {
	services := make([]DiscoveredService, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		services = append(services, DiscoveredService{
			UUID:        e.Value,
			StartHandle: e.Handle,
			EndHandle:   e.EndGroupHandle,
		})
	}
	return services
}

// CharacteristicsFromResponse parses characteristic declarations out of a
// Read By Type Response.
// Each value: [Properties: 1][ValueHandle: 2][UUID: 2 or 16]
func CharacteristicsFromResponse(resp *att.ReadByTypeResponse) ([]DiscoveredCharacteristic, error) {
	characteristics := make([]DiscoveredCharacteristic, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		if len(e.Value) != 5 && len(e.Value) != 19 {
			return nil, fmt.Errorf("%w: characteristic declaration of %d bytes", att.ErrProtocol, len(e.Value))
		}
		characteristics = append(characteristics, DiscoveredCharacteristic{
			UUID:              append([]byte{}, e.Value[3:]...),
			Properties:        e.Value[0],
			ValueHandle:       binary.LittleEndian.Uint16(e.Value[1:3]),
			DeclarationHandle: e.Handle,
		})
	}
	return characteristics, nil
}

// DescriptorsFromResponse converts a Find Information Response into descriptors.
func DescriptorsFromResponse(resp *att.FindInformationResponse) []DiscoveredDescriptor {
	descriptors := make([]DiscoveredDescriptor, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		descriptors = append(descriptors, DiscoveredDescriptor{UUID: e.UUID, Handle: e.Handle})
	}
	return descriptors
}

// BuildReadByGroupTypeResponse packs as many groups as fit one PDU at mtu.
// All records in one response share the first record's value length.
func BuildReadByGroupTypeResponse(groups []Group, mtu int) *att.ReadByGroupTypeResponse {
	if len(groups) == 0 {
		return nil
	}
	valueLen := len(groups[0].Value)
	capacity := att.RecordCapacity(att.OpReadByGroupTypeResponse, mtu, 4+valueLen)

	resp := &att.ReadByGroupTypeResponse{}
	for _, g := range groups {
		if len(g.Value) != valueLen || len(resp.Entries) == capacity {
			break
		}
		resp.Entries = append(resp.Entries, att.GroupData{Handle: g.Handle, EndGroupHandle: g.EndHandle, Value: g.Value})
	}
	return resp
}

// BuildReadByTypeResponse packs as many records as fit one PDU at mtu.
// Values are truncated to what a single record can carry.
func BuildReadByTypeResponse(records []att.AttributeData, mtu int) *att.ReadByTypeResponse {
	if len(records) == 0 {
		return nil
	}
	maxValue := mtu - 4 // opcode, length, handle
	if maxValue > 253 {
		maxValue = 253
	}
	trim := func(v []byte) []byte {
		if len(v) > maxValue {
			return v[:maxValue]
		}
		return v
	}

	valueLen := len(trim(records[0].Value))
	capacity := att.RecordCapacity(att.OpReadByTypeResponse, mtu, 2+valueLen)

	resp := &att.ReadByTypeResponse{}
	for _, r := range records {
		v := trim(r.Value)
		if len(v) != valueLen || len(resp.Entries) == capacity {
			break
		}
		resp.Entries = append(resp.Entries, att.AttributeData{Handle: r.Handle, Value: v})
	}
	return resp
}

// BuildFindInformationResponse packs handle/type pairs sharing the first
// attribute's UUID size.
func BuildFindInformationResponse(attrs []*Attribute, mtu int) *att.FindInformationResponse {
	if len(attrs) == 0 {
		return nil
	}
	uuidLen := len(attrs[0].Type)
	capacity := att.RecordCapacity(att.OpFindInformationResponse, mtu, 2+uuidLen)

	resp := &att.FindInformationResponse{}
	for _, a := range attrs {
		if len(a.Type) != uuidLen || len(resp.Entries) == capacity {
			break
		}
		resp.Entries = append(resp.Entries, att.HandleUUID{Handle: a.Handle, UUID: a.Type})
	}
	return resp
}

// BuildFindByTypeValueResponse packs as many handle ranges as fit one PDU.
func BuildFindByTypeValueResponse(groups []Group, mtu int) *att.FindByTypeValueResponse {
	if len(groups) == 0 {
		return nil
	}
	capacity := att.RecordCapacity(att.OpFindByTypeValueResponse, mtu, 4)

	resp := &att.FindByTypeValueResponse{}
	for _, g := range groups {
		if len(resp.Handles) == capacity {
			break
		}
		resp.Handles = append(resp.Handles, att.HandlesInfo{FoundHandle: g.Handle, GroupEndHandle: g.EndHandle})
	}
	return resp
}
