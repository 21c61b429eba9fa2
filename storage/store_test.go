package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gattd/wire/gatt"
)

var (
	_ gatt.SubscriptionStore = (*MemoryStore)(nil)
	_ gatt.SubscriptionStore = (*FileStore)(nil)
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Save("peer-a", 0x0004, gatt.CCCDNotificationsEnabled))
	require.NoError(t, s.Save("peer-a", 0x0008, gatt.CCCDIndicationsEnabled))

	got, err := s.Load("peer-a")
	require.NoError(t, err)
	assert.Equal(t, map[uint16]uint16{0x0004: 0x0001, 0x0008: 0x0002}, got)

	// Loaded maps are copies.
	got[0x0004] = 0xFFFF
	again, _ := s.Load("peer-a")
	assert.Equal(t, uint16(0x0001), again[0x0004])

	require.NoError(t, s.Save("peer-a", 0x0004, 0))
	again, _ = s.Load("peer-a")
	assert.Equal(t, map[uint16]uint16{0x0008: 0x0002}, again)

	empty, err := s.Load("nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "subscriptions.yaml")

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save("peer-a", 0x0004, gatt.CCCDNotificationsEnabled))
	require.NoError(t, s.Save("peer-b", 0x000C, gatt.CCCDBothEnabled))
	require.NoError(t, s.Save("peer-b", 0x0010, gatt.CCCDIndicationsEnabled))
	require.NoError(t, s.Save("peer-b", 0x0010, 0))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)

	a, _ := reopened.Load("peer-a")
	assert.Equal(t, map[uint16]uint16{0x0004: 0x0001}, a)
	b, _ := reopened.Load("peer-b")
	assert.Equal(t, map[uint16]uint16{0x000C: 0x0003}, b)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "subscriptions.yaml", entries[0].Name())
}

func TestFileStoreMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	got, _ := s.Load("anyone")
	assert.Empty(t, got)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("peers: [oops"), 0644))
	_, err = OpenFileStore(bad)
	assert.Error(t, err)
}

func TestFileStoreRestoresSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	s, err := OpenFileStore(path)
	require.NoError(t, err)

	subs := gatt.NewSubscriptions(s, nil)
	r := gatt.NewRegistry(gatt.NewAttributeDatabase(), subs, nil)
	_, err = r.AddService(gatt.UUID16(0x180F), true)
	require.NoError(t, err)
	vh, err := r.AddCharacteristic(gatt.UUID16(0x2A19), gatt.PropRead|gatt.PropNotify,
		gatt.ReadHandlerFunc(func(gatt.Request) ([]byte, error) { return []byte{80}, nil }), nil)
	require.NoError(t, err)

	require.NoError(t, subs.Restore("peer-a"))
	require.NoError(t, subs.Set("peer-a", vh, gatt.CCCDNotificationsEnabled))
	subs.Drop("peer-a")
	assert.Empty(t, subs.Subscribers(vh))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	restored := gatt.NewSubscriptions(reopened, nil)
	r2 := gatt.NewRegistry(gatt.NewAttributeDatabase(), restored, nil)
	_, err = r2.AddService(gatt.UUID16(0x180F), true)
	require.NoError(t, err)
	vh2, err := r2.AddCharacteristic(gatt.UUID16(0x2A19), gatt.PropRead|gatt.PropNotify,
		gatt.ReadHandlerFunc(func(gatt.Request) ([]byte, error) { return []byte{80}, nil }), nil)
	require.NoError(t, err)
	require.Equal(t, vh, vh2)

	require.NoError(t, restored.Restore("peer-a"))
	assert.Equal(t, []gatt.Subscriber{{Peer: "peer-a", Bits: gatt.CCCDNotificationsEnabled}}, restored.Subscribers(vh))
}
