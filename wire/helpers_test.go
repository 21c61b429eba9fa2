package wire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/gattd/config"
	"github.com/user/gattd/logger"
	"github.com/user/gattd/wire/l2cap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GATTD_DIR", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.IndicationTimeout = time.Second
	cfg.DeferredReadTimeout = 100 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(t), opts...)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(cfg, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// connect links server and client over a socket pair. It returns the
// server's session for peer and the client's session to the server.
func connect(t *testing.T, server, client *Server, peer string) (srv, cli *Session) {
	t.Helper()
	a, b, err := l2cap.Pipe()
	require.NoError(t, err)
	return server.Attach(a, peer), client.Attach(b, "server")
}

// connectCounting is connect with the client's outgoing PDUs counted.
func connectCounting(t *testing.T, server, client *Server, peer string) (srv, cli *Session, counter *countingBearer) {
	t.Helper()
	a, b, err := l2cap.Pipe()
	require.NoError(t, err)
	counter = newCountingBearer(b)
	return server.Attach(a, peer), client.Attach(counter, "server"), counter
}

// rawPeer attaches one end of a socket pair to s and hands the other end
// to the test, which then speaks PDUs directly.
func rawPeer(t *testing.T, s *Server, peer string) (*Session, *l2cap.ConnBearer) {
	t.Helper()
	a, b, err := l2cap.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return s.Attach(a, peer), b
}

func readPDU(t *testing.T, b l2cap.Bearer) []byte {
	t.Helper()
	type result struct {
		pdu []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pdu, err := b.ReadPDU()
		ch <- result{pdu, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.pdu
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PDU")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// countingBearer counts outgoing PDUs by opcode.
type countingBearer struct {
	l2cap.Bearer
	mu   sync.Mutex
	sent map[uint8]int
}

func newCountingBearer(b l2cap.Bearer) *countingBearer {
	return &countingBearer{Bearer: b, sent: make(map[uint8]int)}
}

func (b *countingBearer) WritePDU(pdu []byte) error {
	if len(pdu) > 0 {
		b.mu.Lock()
		b.sent[pdu[0]]++
		b.mu.Unlock()
	}
	return b.Bearer.WritePDU(pdu)
}

func (b *countingBearer) count(op uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[op]
}

// recorder collects notifications and indications seen by a session.
type recorder struct {
	ch chan received
}

type received struct {
	handle     uint16
	value      []byte
	indication bool
}

func newRecorder(sess *Session, handle uint16) *recorder {
	r := &recorder{ch: make(chan received, 16)}
	sess.HandleNotifications(handle, func(h uint16, v []byte, ind bool) {
		r.ch <- received{handle: h, value: append([]byte(nil), v...), indication: ind}
	})
	return r
}

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case got := <-r.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return received{}
	}
}
