package gatt

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gattd/wire/att"
)

type fakeStore struct {
	mu      sync.Mutex
	data    map[string]map[uint16]uint16
	loadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]map[uint16]uint16)}
}

func (f *fakeStore) Load(peer string) (map[uint16]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[uint16]uint16)
	for k, v := range f.data[peer] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) Save(peer string, handle uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[peer] == nil {
		f.data[peer] = make(map[uint16]uint16)
	}
	f.data[peer][handle] = value
	return nil
}

func TestCCCDEncodeDecode(t *testing.T) {
	tests := []struct {
		name            string
		notifyEnabled   bool
		indicateEnabled bool
		expectedValue   uint16
	}{
		{"both disabled", false, false, CCCDNotificationsDisabled},
		{"notifications enabled", true, false, CCCDNotificationsEnabled},
		{"indications enabled", false, true, CCCDIndicationsEnabled},
		{"both enabled", true, true, CCCDBothEnabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeCCCDValue(tt.notifyEnabled, tt.indicateEnabled)
			bits, err := DecodeCCCDBits(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedValue, bits)
		})
	}

	_, err := DecodeCCCDBits([]byte{0x01})
	assert.True(t, att.IsATTError(err, att.ErrInvalidAttributeValueLength))
}

func TestSubscriptionsSetPersistsByCCCHandle(t *testing.T) {
	store := newFakeStore()
	subs := NewSubscriptions(store, nil)
	subs.register(0x0003, 0x0004)
	require.NoError(t, subs.Restore("peer-a"))

	require.NoError(t, subs.Set("peer-a", 0x0003, CCCDNotificationsEnabled))
	assert.Equal(t, uint16(CCCDNotificationsEnabled), subs.Get("peer-a", 0x0003))
	assert.Equal(t, map[uint16]uint16{0x0004: CCCDNotificationsEnabled}, store.data["peer-a"])

	assert.Equal(t, []Subscriber{{Peer: "peer-a", Bits: CCCDNotificationsEnabled}}, subs.Subscribers(0x0003))

	require.NoError(t, subs.Set("peer-a", 0x0003, CCCDNotificationsDisabled))
	assert.Empty(t, subs.Subscribers(0x0003))
	assert.Equal(t, uint16(0), store.data["peer-a"][0x0004])

	assert.Error(t, subs.Set("peer-a", 0x0009, CCCDNotificationsEnabled), "no CCC registered")
}

func TestSubscriptionsSetAfterDropOnlyPersists(t *testing.T) {
	store := newFakeStore()
	subs := NewSubscriptions(store, nil)
	subs.register(0x0003, 0x0004)
	require.NoError(t, subs.Restore("peer-a"))
	subs.Drop("peer-a")

	// A CCC write that lands after the peer disconnected.
	require.NoError(t, subs.Set("peer-a", 0x0003, CCCDIndicationsEnabled))
	assert.Empty(t, subs.Subscribers(0x0003))
	assert.Equal(t, 0, subs.Count("peer-a"))
	assert.Equal(t, uint16(CCCDIndicationsEnabled), store.data["peer-a"][0x0004])

	require.NoError(t, subs.Restore("peer-a"))
	assert.Equal(t, []Subscriber{{Peer: "peer-a", Bits: CCCDIndicationsEnabled}}, subs.Subscribers(0x0003))
}

func TestSubscriptionsRestoreAndDrop(t *testing.T) {
	store := newFakeStore()
	store.data["peer-b"] = map[uint16]uint16{
		0x0004: CCCDIndicationsEnabled,
		0x0099: CCCDNotificationsEnabled, // descriptor no longer exists
	}

	subs := NewSubscriptions(store, nil)
	subs.register(0x0003, 0x0004)

	require.NoError(t, subs.Restore("peer-b"))
	assert.Equal(t, 1, subs.Count("peer-b"))
	got := subs.Subscribers(0x0003)
	require.Len(t, got, 1)
	assert.True(t, got[0].Indicate())
	assert.False(t, got[0].Notify())

	subs.Drop("peer-b")
	assert.Empty(t, subs.Subscribers(0x0003))
	assert.Equal(t, CCCDIndicationsEnabled, int(store.data["peer-b"][0x0004]), "store keeps state across disconnects")

	store.loadErr = errors.New("disk gone")
	assert.Error(t, subs.Restore("peer-b"))
	assert.Equal(t, 0, subs.Count("peer-b"))
	require.NoError(t, subs.Set("peer-b", 0x0003, CCCDNotificationsEnabled))
	assert.Len(t, subs.Subscribers(0x0003), 1, "peer stays live when loading fails")
}

func TestCCCHandlerValidatesWrites(t *testing.T) {
	subs := NewSubscriptions(nil, nil)
	subs.register(0x0003, 0x0004)
	h := &cccHandler{subs: subs, valueHandle: 0x0003, props: PropRead | PropNotify}
	req := Request{Peer: "peer-c", Handle: 0x0004}
	require.NoError(t, subs.Restore("peer-c"))

	require.NoError(t, h.ServeWrite(req, []byte{0x01, 0x00}))
	v, err := h.ServeRead(req)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00}, v)

	// Other peers see their own configuration.
	v, _ = h.ServeRead(Request{Peer: "peer-d", Handle: 0x0004})
	assert.Equal(t, []byte{0x00, 0x00}, v)

	err = h.ServeWrite(req, []byte{0x02, 0x00})
	assert.True(t, att.IsATTError(err, att.ErrCCCDImproperlyConfigured), "indicate not supported")

	err = h.ServeWrite(req, []byte{0x01})
	assert.True(t, att.IsATTError(err, att.ErrInvalidAttributeValueLength))

	err = h.ServeWrite(Request{Peer: "peer-c", Handle: 0x0004, Offset: 1}, []byte{0x01, 0x00})
	assert.True(t, att.IsATTError(err, att.ErrInvalidOffset))
}
