package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("GATTD_DIR", t.TempDir())

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "unix", c.Network)
	assert.Equal(t, 517, c.MTU)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.Equal(t, 30*time.Second, c.IndicationTimeout)
	assert.Equal(t, 500*time.Millisecond, c.DeferredReadTimeout)
	assert.Equal(t, "gattd", c.DeviceName)
	assert.Equal(t, os.Getenv("GATTD_DIR"), c.DataDir)
	assert.Equal(t, filepath.Join(c.DataDir, "sockets", "gattd.sock"), c.Address)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gattd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
network: tcp
address: 127.0.0.1:7000
data_dir: /var/lib/gattd
mtu: 185
deferred_read_timeout: 2s
device_name: kitchen
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp", c.Network)
	assert.Equal(t, "127.0.0.1:7000", c.Address)
	assert.Equal(t, "/var/lib/gattd", c.DataDir)
	assert.Equal(t, 185, c.MTU)
	assert.Equal(t, 2*time.Second, c.DeferredReadTimeout)
	assert.Equal(t, 30*time.Second, c.RequestTimeout, "unset fields keep defaults")
	assert.Equal(t, "kitchen", c.DeviceName)
	assert.Equal(t, logrus.DebugLevel, c.NewLogger().GetLevel())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mtu: [1, 2"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)

	small := filepath.Join(dir, "small.yaml")
	require.NoError(t, os.WriteFile(small, []byte("mtu: 10\n"), 0644))
	_, err = Load(small)
	assert.ErrorContains(t, err, "mtu")
}
