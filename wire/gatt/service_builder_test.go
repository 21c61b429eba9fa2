package gatt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	db := NewAttributeDatabase()
	return NewRegistry(db, NewSubscriptions(nil, nil), nil)
}

func TestAddCharacteristicLayout(t *testing.T) {
	r := newTestRegistry()

	svc, err := r.AddService(UUID16(0x180E), true)
	require.NoError(t, err)

	write := WriteHandlerFunc(func(Request, []byte) error { return nil })
	valueHandle, err := r.AddCharacteristic(UUID16(0x2A40), PropWriteWithoutResponse, nil, write)
	require.NoError(t, err)

	decl, err := r.Database().Get(valueHandle - 1)
	require.NoError(t, err)
	assert.Equal(t, UUIDCharacteristic, decl.Type)
	assert.Equal(t, uint8(PropWriteWithoutResponse), decl.Value[0])
	assert.Equal(t, valueHandle, binary.LittleEndian.Uint16(decl.Value[1:3]), "declaration points at the next attribute")
	assert.Equal(t, UUID16(0x2A40), decl.Value[3:])

	value, err := r.Database().Get(valueHandle)
	require.NoError(t, err)
	assert.Equal(t, uint8(PermWrite), value.Permissions, "no read handler means not readable")
	assert.NotNil(t, value.Write)
	assert.Nil(t, value.Read)

	c, ok := r.Characteristic(valueHandle)
	require.True(t, ok)
	assert.Equal(t, AccessWriteOnly, c.Access)
	assert.Equal(t, svc, c.ServiceHandle)
}

func TestNotifiableCharacteristicGetsCCC(t *testing.T) {
	r := newTestRegistry()
	_, err := r.AddService(UUID16(0x180F), true)
	require.NoError(t, err)

	read := ReadHandlerFunc(func(Request) ([]byte, error) { return []byte{99}, nil })
	vh, err := r.AddCharacteristic(UUID16(0x2A19), PropRead|PropNotify, read, nil)
	require.NoError(t, err)

	c, _ := r.Characteristic(vh)
	assert.Equal(t, AccessNotifiable, c.Access)
	require.Equal(t, vh+1, c.CCCHandle)

	ccc, err := r.Database().Get(c.CCCHandle)
	require.NoError(t, err)
	assert.Equal(t, UUIDClientCharacteristicConfig, ccc.Type)

	// Writing the CCC updates the peer's subscription.
	require.NoError(t, r.Subscriptions().Restore("p"))
	require.NoError(t, ccc.Write.ServeWrite(Request{Peer: "p", Handle: c.CCCHandle}, []byte{0x01, 0x00}))
	assert.Equal(t, []Subscriber{{Peer: "p", Bits: CCCDNotificationsEnabled}}, r.Subscriptions().Subscribers(vh))

	h, ok := r.Subscriptions().CCCHandle(vh)
	assert.True(t, ok)
	assert.Equal(t, c.CCCHandle, h)
}

func TestRegistryMisuse(t *testing.T) {
	r := newTestRegistry()

	_, err := r.AddCharacteristic(UUID16(0x2A00), PropRead, nil, nil)
	assert.ErrorIs(t, err, ErrNoOpenService)

	_, err = r.AddService(UUID16(0x1800), true)
	require.NoError(t, err)

	_, err = r.AddDescriptor(UUIDCharUserDescription, nil, nil)
	assert.ErrorIs(t, err, ErrNoOpenCharacteristic)

	_, err = r.AddService([]byte{1, 2, 3}, true)
	assert.Error(t, err)

	assert.ErrorIs(t, r.RemoveService(0x0042), ErrUnknownService)
}

func TestRemoveServiceDropsWholeRange(t *testing.T) {
	r := newTestRegistry()
	db := r.Database()

	first, err := r.Register(ServiceDef{
		UUID:    UUID16(0x180E),
		Primary: true,
		Characteristics: []CharacteristicDef{
			{UUID: UUID16(0x2A3F), Properties: PropRead | PropNotify, Value: []byte{0}},
			{UUID: UUID16(0x2A41), Properties: PropRead | PropNotify, Value: []byte{1},
				Descriptors: []DescriptorDef{{UUID: UUIDCharUserDescription, Value: []byte("ringer")}}},
		},
	})
	require.NoError(t, err)
	second, err := r.Register(ServiceDef{
		UUID:            UUID16(0x180F),
		Primary:         true,
		Characteristics: []CharacteristicDef{{UUID: UUID16(0x2A19), Properties: PropRead, Value: []byte{50}}},
	})
	require.NoError(t, err)

	require.NoError(t, r.Subscriptions().Restore("p"))
	require.NoError(t, r.Subscriptions().Set("p", first.Characteristics[0].ValueHandle, CCCDNotificationsEnabled))
	require.Len(t, r.Subscriptions().Subscribers(first.Characteristics[0].ValueHandle), 1)

	var changedStart, changedEnd uint16
	r.OnServiceChanged(func(start, end uint16) { changedStart, changedEnd = start, end })

	require.NoError(t, r.RemoveService(first.Handle))

	assert.Empty(t, db.Range(first.Handle, first.EndHandle))
	for _, a := range db.Range(1, 0xFFFF) {
		assert.True(t, a.Handle >= second.Handle, "attribute 0x%04X survived removal", a.Handle)
	}
	groups := db.FindByGroupType(1, 0xFFFF, UUIDPrimaryService)
	require.Len(t, groups, 1)
	assert.Equal(t, UUID16(0x180F), groups[0].Value)

	assert.Empty(t, r.Subscriptions().Subscribers(first.Characteristics[0].ValueHandle))
	_, ok := r.Characteristic(first.Characteristics[0].ValueHandle)
	assert.False(t, ok)
	assert.Equal(t, first.Handle, changedStart)
	assert.Equal(t, first.EndHandle, changedEnd)

	services := r.Services()
	require.Len(t, services, 1)
	assert.Equal(t, second.Handle, services[0].Handle)

	// New registrations continue after the highest handle ever assigned.
	third, err := r.AddService(UUID16(0x1805), true)
	require.NoError(t, err)
	assert.Greater(t, third, second.EndHandle)
}

func TestRegisterDefaultServices(t *testing.T) {
	r := newTestRegistry()

	changed, err := r.RegisterDefaultServices("gattd", 0x0000)
	require.NoError(t, err)

	services := r.Services()
	require.Len(t, services, 2)
	assert.Equal(t, UUIDGenericAccess, services[0].UUID)
	assert.Equal(t, UUIDGenericAttribute, services[1].UUID)

	c, ok := r.FindCharacteristic(UUIDDeviceName)
	require.True(t, ok)
	name, err := r.Database().Get(c.ValueHandle)
	require.NoError(t, err)
	assert.Equal(t, []byte("gattd"), name.Value)
	assert.Equal(t, AccessReadOnly, c.Access)

	sc, ok := r.Characteristic(changed)
	require.True(t, ok)
	assert.Equal(t, AccessNotifiable, sc.Access)
	assert.NotZero(t, sc.CCCHandle)

	// Service Changed is indicate-only, so its value is not readable.
	attr, _ := r.Database().Get(changed)
	assert.Zero(t, attr.Permissions&PermRead)
}

func TestRegisterSecurityPermissions(t *testing.T) {
	r := newTestRegistry()
	svc, err := r.Register(ServiceDef{
		UUID:    UUID16(0x1805),
		Primary: true,
		Characteristics: []CharacteristicDef{{
			UUID:        UUID16(0x2A2B),
			Properties:  PropRead | PropWrite,
			Value:       []byte{0},
			Permissions: PermWriteAuthen | PermReadEncrypt,
			Write:       WriteHandlerFunc(func(Request, []byte) error { return nil }),
		}},
	})
	require.NoError(t, err)

	attr, err := r.Database().Get(svc.Characteristics[0].ValueHandle)
	require.NoError(t, err)
	assert.Equal(t, uint8(PermRead|PermWrite|PermWriteAuthen|PermReadEncrypt), attr.Permissions)
	assert.Equal(t, AccessReadWrite, svc.Characteristics[0].Access)
}
