package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/gatt"
)

func registerReadOnly(t *testing.T, reg *gatt.Registry, service uint16, chars ...uint16) *gatt.Service {
	t.Helper()
	def := gatt.ServiceDef{UUID: gatt.UUID16(service), Primary: true}
	for i, c := range chars {
		def.Characteristics = append(def.Characteristics, gatt.CharacteristicDef{
			UUID:       gatt.UUID16(c),
			Properties: gatt.PropRead,
			Value:      []byte{byte(i)},
		})
	}
	svc, err := reg.Register(def)
	require.NoError(t, err)
	return svc
}

func TestCharacteristicDiscoverySpansResponses(t *testing.T) {
	server := newTestServer(t)
	client := newTestServer(t)
	svc := registerReadOnly(t, server.Registry(), 0xFF00,
		0xFF01, 0xFF02, 0xFF03, 0xFF04, 0xFF05, 0xFF06, 0xFF07)

	_, cli, counter := connectCounting(t, server, client, "client")
	chars, err := cli.DiscoverCharacteristics(testContext(t), svc.Handle, svc.EndHandle)
	require.NoError(t, err)

	// Three 7 byte records fit a 23 byte response.
	assert.Equal(t, 3, att.RecordCapacity(att.OpReadByTypeResponse, DefaultMTU, 7))
	assert.Equal(t, 3, counter.count(att.OpReadByTypeRequest))

	require.Len(t, chars, 7)
	for i, c := range chars {
		want := svc.Characteristics[i]
		assert.Equal(t, gatt.UUID16(uint16(0xFF01+i)), c.UUID)
		assert.Equal(t, want.DeclarationHandle, c.DeclarationHandle)
		assert.Equal(t, want.ValueHandle, c.ValueHandle)
		assert.Equal(t, uint8(gatt.PropRead), c.Properties)
	}
}

func TestDiscoveryStopsAtFullLastResponse(t *testing.T) {
	server := newTestServer(t)
	client := newTestServer(t)
	svc := registerReadOnly(t, server.Registry(), 0xFF00,
		0xFF01, 0xFF02, 0xFF03, 0xFF04, 0xFF05, 0xFF06)
	require.Equal(t, svc.Characteristics[5].ValueHandle, svc.EndHandle)
	small := registerReadOnly(t, server.Registry(), 0xFE00, 0xFE01, 0xFE02)

	_, cli, counter := connectCounting(t, server, client, "client")
	ctx := testContext(t)

	chars, err := cli.DiscoverCharacteristics(ctx, svc.Handle, svc.EndHandle)
	require.NoError(t, err)
	assert.Len(t, chars, 6)
	assert.Equal(t, 2, counter.count(att.OpReadByTypeRequest))

	// Five 4 byte records fit a 23 byte response: the declaration plus two
	// characteristics fill exactly one.
	require.Equal(t, 5, att.RecordCapacity(att.OpFindInformationResponse, DefaultMTU, 4))
	descs, err := cli.FindInformation(ctx, small.Handle, small.EndHandle)
	require.NoError(t, err)
	assert.Len(t, descs, 5)
	assert.Equal(t, 1, counter.count(att.OpFindInformationRequest))
}

func TestPrimaryServicesTileTheTable(t *testing.T) {
	server := newTestServer(t)
	client := newTestServer(t)
	first := registerReadOnly(t, server.Registry(), 0x180F, 0x2A19)
	second := registerReadOnly(t, server.Registry(), 0x1805, 0x2A2B, 0x2A0F)

	_, cli, counter := connectCounting(t, server, client, "client")
	services, err := cli.DiscoverPrimaryServices(testContext(t))
	require.NoError(t, err)

	require.Len(t, services, 4)
	assert.Equal(t, 2, counter.count(att.OpReadByGroupTypeRequest))

	assert.Equal(t, uint16(0x0001), services[0].StartHandle)
	for i := 1; i < len(services); i++ {
		assert.Equal(t, services[i-1].EndHandle+1, services[i].StartHandle)
	}
	assert.Equal(t, server.Database().LastHandle(), services[3].EndHandle)

	assert.Equal(t, gatt.UUIDGenericAccess, services[0].UUID)
	assert.Equal(t, gatt.UUIDGenericAttribute, services[1].UUID)
	assert.Equal(t, first.Handle, services[2].StartHandle)
	assert.Equal(t, first.EndHandle, services[2].EndHandle)
	assert.Equal(t, second.Handle, services[3].StartHandle)
	assert.Equal(t, second.EndHandle, services[3].EndHandle)
}

func TestDiscoverPrimaryServiceByUUID(t *testing.T) {
	server := newTestServer(t)
	client := newTestServer(t)
	battery := registerReadOnly(t, server.Registry(), 0x180F, 0x2A19)

	_, cli := connect(t, server, client, "client")
	ctx := testContext(t)

	services, err := cli.DiscoverPrimaryServiceByUUID(ctx, gatt.UUID128(0x180F))
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, battery.Handle, services[0].StartHandle)
	assert.Equal(t, battery.EndHandle, services[0].EndHandle)

	services, err = cli.DiscoverPrimaryServiceByUUID(ctx, gatt.UUID16(0x1812))
	require.NoError(t, err)
	assert.Empty(t, services)

	custom, err := gatt.ParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)
	_, err = cli.DiscoverPrimaryServiceByUUID(ctx, custom)
	assert.Error(t, err)
}

func TestDiscoverAll(t *testing.T) {
	server := newTestServer(t)
	client := newTestServer(t)

	reg := server.Registry()
	_, err := reg.AddService(gatt.UUID16(0x180F), true)
	require.NoError(t, err)
	level, err := reg.AddCharacteristic(gatt.UUID16(0x2A19), gatt.PropRead|gatt.PropNotify,
		gatt.ReadHandlerFunc(func(gatt.Request) ([]byte, error) { return []byte{90}, nil }), nil)
	require.NoError(t, err)
	format, err := reg.AddDescriptor(gatt.UUIDCharPresentationFormat,
		gatt.ReadHandlerFunc(func(gatt.Request) ([]byte, error) { return []byte{0x04}, nil }), nil)
	require.NoError(t, err)
	batteryChar, _ := reg.Characteristic(level)

	_, cli := connect(t, server, client, "client")
	cache, err := cli.DiscoverAll(testContext(t))
	require.NoError(t, err)

	assert.Len(t, cache.Services, 3)

	c, ok := cache.FindCharacteristic(gatt.UUID16(0x2A19))
	require.True(t, ok)
	assert.Equal(t, level, c.ValueHandle)
	assert.Equal(t, uint8(gatt.PropRead|gatt.PropNotify), c.Properties)

	ccc, ok := cache.FindDescriptor(level, gatt.UUIDClientCharacteristicConfig)
	require.True(t, ok)
	assert.Equal(t, batteryChar.CCCHandle, ccc)
	h, ok := cache.FindDescriptor(level, gatt.UUIDCharPresentationFormat)
	require.True(t, ok)
	assert.Equal(t, format, h)

	sc, ok := cache.FindCharacteristic(gatt.UUIDServiceChanged)
	require.True(t, ok)
	assert.Equal(t, server.ServiceChangedHandle(), sc.ValueHandle)
	_, ok = cache.FindDescriptor(sc.ValueHandle, gatt.UUIDClientCharacteristicConfig)
	assert.True(t, ok)

	// Device Name has no descriptors.
	name, ok := cache.FindCharacteristic(gatt.UUIDDeviceName)
	require.True(t, ok)
	assert.Empty(t, cache.Descriptors[name.ValueHandle])
}

func TestFindInformation(t *testing.T) {
	server := newTestServer(t)
	client := newTestServer(t)

	_, cli := connect(t, server, client, "client")
	descs, err := cli.FindInformation(testContext(t), 0x0001, 0xFFFF)
	require.NoError(t, err)

	all := server.Database().Range(0x0001, 0xFFFF)
	require.Len(t, descs, len(all))
	for i, a := range all {
		assert.Equal(t, a.Handle, descs[i].Handle)
		assert.Equal(t, a.Type, descs[i].UUID)
	}

	_, err = cli.FindInformation(testContext(t), 0x0010, 0x0001)
	assert.Error(t, err)
}

func TestDiscoveryErrors(t *testing.T) {
	client := newTestServer(t)
	sess, remote := rawPeer(t, client, "remote")
	ctx := testContext(t)

	t.Run("attribute not found ends discovery", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			services, err := sess.DiscoverPrimaryServices(ctx)
			if err == nil && len(services) != 0 {
				err = assert.AnError
			}
			done <- err
		}()
		assert.Equal(t, []byte{att.OpReadByGroupTypeRequest, 0x01, 0x00, 0xFF, 0xFF, 0x00, 0x28}, readPDU(t, remote))
		require.NoError(t, remote.WritePDU([]byte{att.OpErrorResponse, att.OpReadByGroupTypeRequest, 0x01, 0x00, att.ErrAttributeNotFound}))
		assert.NoError(t, <-done)
	})

	t.Run("other errors abort", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := sess.DiscoverCharacteristics(ctx, 0x0001, 0x0010)
			done <- err
		}()
		readPDU(t, remote)
		require.NoError(t, remote.WritePDU([]byte{att.OpErrorResponse, att.OpReadByTypeRequest, 0x01, 0x00, att.ErrInsufficientAuthentication}))
		err := <-done
		assert.True(t, att.IsATTError(err, att.ErrInsufficientAuthentication))
	})

	t.Run("cursor continues after a full response", func(t *testing.T) {
		done := make(chan []gatt.DiscoveredCharacteristic, 1)
		go func() {
			chars, err := sess.DiscoverCharacteristics(ctx, 0x0001, 0x0020)
			assert.NoError(t, err)
			done <- chars
		}()

		assert.Equal(t, []byte{att.OpReadByTypeRequest, 0x01, 0x00, 0x20, 0x00, 0x03, 0x28}, readPDU(t, remote))
		require.NoError(t, remote.WritePDU([]byte{
			att.OpReadByTypeResponse, 0x07,
			0x02, 0x00, 0x02, 0x03, 0x00, 0x01, 0xFF,
			0x04, 0x00, 0x02, 0x05, 0x00, 0x02, 0xFF,
			0x06, 0x00, 0x02, 0x07, 0x00, 0x03, 0xFF,
		}))

		assert.Equal(t, []byte{att.OpReadByTypeRequest, 0x07, 0x00, 0x20, 0x00, 0x03, 0x28}, readPDU(t, remote))
		require.NoError(t, remote.WritePDU([]byte{att.OpErrorResponse, att.OpReadByTypeRequest, 0x07, 0x00, att.ErrAttributeNotFound}))

		chars := <-done
		require.Len(t, chars, 3)
		assert.Equal(t, uint16(0x0007), chars[2].ValueHandle)
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := sess.DiscoverCharacteristics(ctx, 0, 5)
		assert.Error(t, err)
	})
}
