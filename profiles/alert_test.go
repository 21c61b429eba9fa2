package profiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gattd/logger"
	"github.com/user/gattd/wire/gatt"
)

func TestPhoneAlertServiceLayout(t *testing.T) {
	server := newServer(t)
	_, err := RegisterPhoneAlert(server, logger.Discard())
	require.NoError(t, err)

	_, cli := link(t, server, "gattd", newServer(t), "phone")
	cache, err := cli.DiscoverAll(testContext(t))
	require.NoError(t, err)

	_, ok := cache.FindService(UUIDPhoneAlertService)
	require.True(t, ok)

	tests := []struct {
		name  string
		uuid  []byte
		props uint8
		ccc   bool
	}{
		{"alert status", UUIDAlertStatus, gatt.PropRead | gatt.PropNotify, true},
		{"ringer setting", UUIDRingerSetting, gatt.PropRead | gatt.PropNotify, true},
		{"ringer control point", UUIDRingerControl, gatt.PropWrite | gatt.PropWriteWithoutResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := cache.FindCharacteristic(tt.uuid)
			require.True(t, ok)
			assert.Equal(t, tt.props, c.Properties)
			_, hasCCC := cache.FindDescriptor(c.ValueHandle, gatt.UUIDClientCharacteristicConfig)
			assert.Equal(t, tt.ccc, hasCCC)
		})
	}
}

func TestRingerControlPoint(t *testing.T) {
	server := newServer(t)
	alert, err := RegisterPhoneAlert(server, logger.Discard())
	require.NoError(t, err)
	muted := make(chan string, 1)
	alert.OnMuteOnce = func(peer string) { muted <- peer }

	_, cli := link(t, server, "gattd", newServer(t), "phone")
	ctx := testContext(t)
	_, ringer, control := alert.Handles()
	ringerChar, _ := server.Registry().Characteristic(ringer)

	updates := make(chan []byte, 4)
	cli.HandleNotifications(ringer, func(_ uint16, v []byte, _ bool) {
		updates <- append([]byte(nil), v...)
	})
	require.NoError(t, cli.Subscribe(ctx, ringerChar.CCCHandle, true, false))

	v, err := cli.ReadCharacteristic(ctx, ringer)
	require.NoError(t, err)
	assert.Equal(t, []byte{RingerNormal}, v)

	require.NoError(t, cli.WriteCharacteristic(ctx, control, []byte{RingerCmdSilentMode}))
	assert.Equal(t, uint8(RingerSilent), alert.Ringer())
	select {
	case got := <-updates:
		assert.Equal(t, []byte{RingerSilent}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no ringer notification")
	}

	require.NoError(t, cli.WriteWithoutResponse(control, []byte{RingerCmdCancelSilent}))
	require.Eventually(t, func() bool { return alert.Ringer() == RingerNormal }, 2*time.Second, 5*time.Millisecond)
	select {
	case got := <-updates:
		assert.Equal(t, []byte{RingerNormal}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no ringer notification")
	}

	require.NoError(t, cli.WriteCharacteristic(ctx, control, []byte{RingerCmdMuteOnce}))
	select {
	case peer := <-muted:
		assert.Equal(t, "phone", peer)
	case <-time.After(2 * time.Second):
		t.Fatal("mute once not reported")
	}
	assert.Equal(t, uint8(RingerNormal), alert.Ringer())

	// Malformed and unknown commands are ignored.
	require.NoError(t, cli.WriteCharacteristic(ctx, control, []byte{0x01, 0x02}))
	require.NoError(t, cli.WriteCharacteristic(ctx, control, []byte{0x7F}))
	assert.Equal(t, uint8(RingerNormal), alert.Ringer())
}

func TestSetAlertStatusNotifies(t *testing.T) {
	server := newServer(t)
	alert, err := RegisterPhoneAlert(server, logger.Discard())
	require.NoError(t, err)

	_, cli := link(t, server, "gattd", newServer(t), "phone")
	ctx := testContext(t)
	status, _, _ := alert.Handles()
	statusChar, _ := server.Registry().Characteristic(status)

	updates := make(chan []byte, 4)
	cli.HandleNotifications(status, func(_ uint16, v []byte, _ bool) {
		updates <- append([]byte(nil), v...)
	})
	require.NoError(t, cli.Subscribe(ctx, statusChar.CCCHandle, true, false))

	require.NoError(t, alert.SetAlertStatus(AlertRingerActive|AlertDisplayActive))
	select {
	case got := <-updates:
		assert.Equal(t, []byte{AlertRingerActive | AlertDisplayActive}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert status notification")
	}

	v, err := cli.ReadCharacteristic(ctx, status)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, v)

	// Setting the same status again sends nothing.
	require.NoError(t, alert.SetAlertStatus(AlertRingerActive|AlertDisplayActive))
	select {
	case got := <-updates:
		t.Fatalf("unexpected notification %x", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetRingerRejectsUnknownSetting(t *testing.T) {
	alert, err := RegisterPhoneAlert(newServer(t), logger.Discard())
	require.NoError(t, err)

	assert.Error(t, alert.SetRinger(0x02))
	assert.Equal(t, uint8(RingerNormal), alert.Ringer())
}
