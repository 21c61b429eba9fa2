package profiles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/gattd/config"
	"github.com/user/gattd/logger"
	"github.com/user/gattd/wire"
	"github.com/user/gattd/wire/l2cap"
)

func newServer(t *testing.T) *wire.Server {
	t.Helper()
	t.Setenv("GATTD_DIR", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.DeferredReadTimeout = 200 * time.Millisecond
	s, err := wire.NewServer(cfg, wire.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// link connects a and b. a sees the peer as bName, b sees it as aName.
func link(t *testing.T, a *wire.Server, aName string, b *wire.Server, bName string) (onA, onB *wire.Session) {
	t.Helper()
	x, y, err := l2cap.Pipe()
	require.NoError(t, err)
	return a.Attach(x, bName), b.Attach(y, aName)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
