package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/user/gattd/config"
	"github.com/user/gattd/wire/debug"
	"github.com/user/gattd/wire/gatt"
	"github.com/user/gattd/wire/l2cap"
)

// ConnectionObserver is told about sessions coming and going. Callbacks
// run on the connecting or disconnecting goroutine and must not block.
type ConnectionObserver interface {
	OnConnected(sess *Session)
	OnDisconnected(sess *Session)
}

// ObserverFuncs adapts plain functions to ConnectionObserver. Nil fields
// are skipped.
type ObserverFuncs struct {
	Connected    func(sess *Session)
	Disconnected func(sess *Session)
}

func (o ObserverFuncs) OnConnected(sess *Session) {
	if o.Connected != nil {
		o.Connected(sess)
	}
}

func (o ObserverFuncs) OnDisconnected(sess *Session) {
	if o.Disconnected != nil {
		o.Disconnected(sess)
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger every session derives its entry from.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithStore persists CCC configurations in store.
func WithStore(store gatt.SubscriptionStore) Option {
	return func(s *Server) { s.store = store }
}

// WithCapture records every PDU through c.
func WithCapture(c *debug.Capture) Option {
	return func(s *Server) { s.capture = c }
}

// Server owns the attribute database, the service registry, the
// subscription table and every live session. Nothing in this package keeps
// state outside a Server.
type Server struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	store   gatt.SubscriptionStore
	capture *debug.Capture

	db         *gatt.AttributeDatabase
	subs       *gatt.Subscriptions
	registry   *gatt.Registry
	dispatcher *Dispatcher
	deferred   *deferredReads

	serviceChanged uint16

	sessions *hashmap.Map[string, *Session] // session ID -> session
	peers    *hashmap.Map[string, *Session] // peer -> current session

	obsMu     sync.RWMutex
	observers []ConnectionObserver

	wg sync.WaitGroup
}

// NewServer creates a server with the Generic Access and Generic Attribute
// services registered.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Server{
		cfg:      cfg,
		log:      logrus.StandardLogger(),
		sessions: hashmap.New[string, *Session](),
		peers:    hashmap.New[string, *Session](),
		deferred: newDeferredReads(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.db = gatt.NewAttributeDatabase()
	s.subs = gatt.NewSubscriptions(s.store, s.log)
	s.registry = gatt.NewRegistry(s.db, s.subs, s.log)
	s.dispatcher = &Dispatcher{server: s, log: s.log.WithField("component", "dispatcher")}

	handle, err := s.registry.RegisterDefaultServices(cfg.DeviceName, 0)
	if err != nil {
		return nil, fmt.Errorf("wire: register default services: %w", err)
	}
	s.serviceChanged = handle
	s.registry.OnServiceChanged(s.announceServiceChanged)

	return s, nil
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config { return s.cfg }

// Registry returns the service registry profiles register against.
func (s *Server) Registry() *gatt.Registry { return s.registry }

// Database returns the attribute database.
func (s *Server) Database() *gatt.AttributeDatabase { return s.db }

// Subscriptions returns the CCC state of connected peers.
func (s *Server) Subscriptions() *gatt.Subscriptions { return s.subs }

// Dispatcher returns the notification fan-out.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// ServiceChangedHandle returns the value handle of Service Changed.
func (s *Server) ServiceChangedHandle() uint16 { return s.serviceChanged }

// Observe registers obs for connection lifecycle events.
func (s *Server) Observe(obs ConnectionObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *Server) observersSnapshot() []ConnectionObserver {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	return append([]ConnectionObserver(nil), s.observers...)
}

// Session returns the current session of peer.
func (s *Server) Session(peer string) (*Session, bool) {
	return s.peers.Get(peer)
}

// Sessions returns every live session.
func (s *Server) Sessions() []*Session {
	out := make([]*Session, 0, s.sessions.Len())
	s.sessions.Range(func(_ string, sess *Session) bool {
		out = append(out, sess)
		return true
	})
	return out
}

// Attach starts a session on bearer for peer. The peer's stored CCC
// configuration is restored before any request is served.
func (s *Server) Attach(bearer l2cap.Bearer, peer string) *Session {
	sess := newSession(s, bearer, peer)

	if old, ok := s.peers.Get(peer); ok {
		sess.log.WithField("previous", old.ID()[:8]).Info("Peer reconnected, replacing session")
	}
	s.sessions.Set(sess.id, sess)
	s.peers.Set(peer, sess)

	if err := s.subs.Restore(peer); err != nil {
		sess.log.WithError(err).Warn("Failed to restore subscriptions")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()

	sess.log.WithField("subscriptions", s.subs.Count(peer)).Info("Session started")
	for _, obs := range s.observersSnapshot() {
		obs.OnConnected(sess)
	}
	return sess
}

// detach removes a closed session. Called once per session.
func (s *Server) detach(sess *Session) {
	s.sessions.Del(sess.id)
	if cur, ok := s.peers.Get(sess.peer); ok && cur == sess {
		s.peers.Del(sess.peer)
		s.subs.Drop(sess.peer)
	}
	s.deferred.discard(sess.id)

	for _, obs := range s.observersSnapshot() {
		obs.OnDisconnected(sess)
	}
}

// Serve accepts connections on ln until ctx is cancelled. Each connection
// must open with an identity handshake, then carry L2CAP frames.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	s.log.WithField("address", ln.Addr().String()).Info("Listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("wire: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.accept(conn)
		}()
	}
}

func (s *Server) accept(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	peer, err := l2cap.ReadIdentity(conn)
	if err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("Handshake failed")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	s.Attach(l2cap.NewConnBearer(conn), peer)
}

// ListenAndServe listens on the configured network and address and serves
// until ctx is cancelled. A stale Unix socket file is removed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Address), 0755); err != nil {
			return fmt.Errorf("wire: create socket dir: %w", err)
		}
		os.Remove(s.cfg.Address)
		defer os.Remove(s.cfg.Address)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("wire: listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Dial connects to a server, identifies as localID and returns the session.
func (s *Server) Dial(ctx context.Context, network, addr, localID string) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	if err := l2cap.WriteIdentity(conn, localID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wire: handshake with %s: %w", addr, err)
	}
	return s.Attach(l2cap.NewConnBearer(conn), addr), nil
}

// UpdateValue stores a new value for handle, completes reads deferred on
// it and fans the value out to subscribers in the background.
func (s *Server) UpdateValue(handle uint16, value []byte) error {
	if err := s.CompleteRead(handle, value); err != nil {
		return err
	}

	if _, ok := s.subs.CCCHandle(handle); !ok {
		return nil
	}
	v := append([]byte(nil), value...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Notify(context.Background(), handle, v)
	}()
	return nil
}

// CompleteRead stores value for handle and completes reads deferred on it
// without notifying subscribers.
func (s *Server) CompleteRead(handle uint16, value []byte) error {
	if err := s.db.SetValue(handle, value); err != nil {
		return err
	}
	if n := s.deferred.resolve(handle); n > 0 {
		s.log.WithFields(logrus.Fields{"handle": handle, "reads": n}).Debug("Deferred reads resolved")
	}
	return nil
}

// announceServiceChanged indicates a removed handle range to subscribers
// of Service Changed.
func (s *Server) announceServiceChanged(start, end uint16) {
	value := gatt.ServiceChangedValue(start, end)
	if err := s.UpdateValue(s.serviceChanged, value); err != nil {
		s.log.WithError(err).Warn("Failed to announce service change")
	}
}

// Close closes every session and waits for their goroutines.
func (s *Server) Close() error {
	for _, sess := range s.Sessions() {
		sess.Close()
	}
	s.wg.Wait()
	return s.capture.Close()
}
