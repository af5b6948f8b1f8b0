package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/metrics"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

// Config configures a Manager.
type Config struct {
	Identity identity.KeyPair
	// Addrs reports the advertised listen addresses at handshake time.
	Addrs            func() []transport.Address
	HandshakeTimeout time.Duration
	// IdleTimeout closes connections without stream traffic; zero disables the reaper.
	IdleTimeout time.Duration
	Mux         MuxConfig
	Blacklist   BlacklistConfig

	Clock   clock.Clock
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Manager owns the live connections of a node, at most one per remote PeerID.
type Manager struct {
	cfg Config
	bl  *blacklist
	log *logrus.Entry

	mu     sync.RWMutex
	conns  map[identity.PeerID]*Conn
	closed bool

	hmu          sync.RWMutex
	onConnect    []func(*Conn)
	onDisconnect []func(*Conn)

	wg sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Addrs == nil {
		cfg.Addrs = func() []transport.Address { return nil }
	}
	return &Manager{
		cfg:   cfg,
		bl:    newBlacklist(cfg.Blacklist),
		log:   cfg.Log.WithField("component", "session"),
		conns: map[identity.PeerID]*Conn{},
	}
}

// OnConnect registers fn to run for every connection that becomes the live one for its peer.
func (m *Manager) OnConnect(fn func(*Conn)) {
	m.hmu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.hmu.Unlock()
}

// OnDisconnect registers fn to run when a previously live connection goes away.
func (m *Manager) OnDisconnect(fn func(*Conn)) {
	m.hmu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.hmu.Unlock()
}

// Dial runs the initiator handshake on ch. When expected is set the remote must prove that id.
func (m *Manager) Dial(ctx context.Context, ch transport.Channel, expected *identity.PeerID) (*Conn, error) {
	return m.upgrade(ctx, ch, true, expected)
}

// Accept runs the responder handshake on an inbound ch.
func (m *Manager) Accept(ctx context.Context, ch transport.Channel) (*Conn, error) {
	return m.upgrade(ctx, ch, false, nil)
}

func (m *Manager) handshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Identity: m.cfg.Identity,
		Addrs:    m.cfg.Addrs(),
		Timeout:  m.cfg.HandshakeTimeout,
	}
}

func (m *Manager) upgrade(ctx context.Context, ch transport.Channel, initiator bool, expected *identity.PeerID) (*Conn, error) {
	role := "responder"
	if initiator {
		role = "initiator"
	}
	key := addrKey(ch.RemoteAddr())
	var pkey string
	if expected != nil {
		pkey = peerKey(expected.String())
	}
	if m.bl.blocked(key) || m.bl.blocked(pkey) {
		_ = ch.Close()
		m.cfg.Metrics.Handshake(role, "blacklisted")
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, key)
	}

	var (
		sc  *SecureConn
		err error
	)
	if initiator {
		sc, err = Initiate(ctx, ch, m.handshakeConfig(), expected)
	} else {
		sc, err = Respond(ctx, ch, m.handshakeConfig())
	}
	if err != nil {
		_ = ch.Close()
		m.cfg.Metrics.Handshake(role, "failed")
		if errors.Is(err, ErrHandshake) {
			banned := m.bl.fail(key)
			banned = m.bl.fail(pkey) || banned
			m.log.WithFields(logrus.Fields{
				"remote": ch.RemoteAddr().String(),
				"role":   role,
				"banned": banned,
			}).WithError(err).Warn("handshake rejected")
		}
		return nil, err
	}
	if sc.RemotePeer() == m.cfg.Identity.PeerID() {
		_ = sc.Close()
		m.cfg.Metrics.Handshake(role, "self")
		return nil, ErrSelfDial
	}
	m.bl.clear(key)
	m.bl.clear(pkey)

	c, err := newConn(sc, m.cfg.Mux, m.cfg.Clock)
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	m.cfg.Metrics.Handshake(role, "ok")
	return m.register(c)
}

// register installs c as the live connection for its peer. On a simultaneous
// connect both sides keep the connection opened by the smaller PeerID.
func (m *Manager) register(c *Conn) (*Conn, error) {
	id := c.RemotePeer()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return nil, ErrClosed
	}
	existing := m.conns[id]
	if existing != nil && !existing.IsClosed() && !c.InitiatorID().Less(existing.InitiatorID()) {
		m.mu.Unlock()
		m.log.WithField("peer", id.ShortString()).Debug("duplicate connection dropped")
		_ = c.Close()
		return existing, nil
	}
	m.conns[id] = c
	n := len(m.conns)
	m.mu.Unlock()

	if existing != nil {
		m.log.WithField("peer", id.ShortString()).Debug("connection superseded")
		_ = existing.Close()
	}
	m.cfg.Metrics.SetConnections(n)
	m.log.WithFields(logrus.Fields{
		"peer":      id.ShortString(),
		"initiator": c.Initiator(),
	}).Info("peer connected")

	m.wg.Add(1)
	go m.watch(c)

	m.hmu.RLock()
	hooks := slices.Clone(m.onConnect)
	m.hmu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
	return c, nil
}

func (m *Manager) watch(c *Conn) {
	defer m.wg.Done()
	<-c.Done()
	_ = c.Close()

	id := c.RemotePeer()
	m.mu.Lock()
	if m.conns[id] == c {
		delete(m.conns, id)
	}
	n := len(m.conns)
	m.mu.Unlock()
	m.cfg.Metrics.SetConnections(n)
	m.log.WithField("peer", id.ShortString()).Debug("connection closed")

	m.hmu.RLock()
	hooks := slices.Clone(m.onDisconnect)
	m.hmu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

func (m *Manager) Get(id identity.PeerID) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok || c.IsClosed() {
		return nil, false
	}
	return c, true
}

func (m *Manager) Conns() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close tears down the connection to id, if any.
func (m *Manager) Close(id identity.PeerID) error {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// CloseAll closes every connection, refuses new ones and waits for the
// disconnect notifications to finish.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	m.wg.Wait()
	return err
}

// Run reaps idle connections until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	t := m.cfg.Clock.Ticker(m.cfg.IdleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() int {
	now := m.cfg.Clock.Now()
	var idle []*Conn
	m.mu.RLock()
	for _, c := range m.conns {
		if now.Sub(c.LastActivity()) >= m.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range idle {
		m.log.WithField("peer", c.RemotePeer().ShortString()).Debug("closing idle connection")
		_ = c.Close()
	}
	return len(idle)
}
