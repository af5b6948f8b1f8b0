package kadnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/TheusHen/kadnet/kadnet/discovery"
	"github.com/TheusHen/kadnet/kadnet/discovery/lan"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/metrics"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/router"
	"github.com/TheusHen/kadnet/kadnet/routing"
	"github.com/TheusHen/kadnet/kadnet/session"
	"github.com/TheusHen/kadnet/kadnet/storage"
	"github.com/TheusHen/kadnet/kadnet/transport"
	"github.com/TheusHen/kadnet/kadnet/transport/quic"
	"github.com/TheusHen/kadnet/kadnet/transport/tcp"
	"github.com/TheusHen/kadnet/kadnet/transport/ws"
)

type nodeState int

const (
	stateNew nodeState = iota
	stateRunning
	stateStopped
)

// RequestHandler answers direct requests sent with SendDirect.
type RequestHandler func(ctx context.Context, from identity.PeerID, payload []byte) ([]byte, error)

// Node is one participant of the overlay.
type Node struct {
	cfg   Config
	kp    identity.KeyPair
	id    identity.PeerID
	log   *logrus.Entry
	clock clock.Clock

	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics

	transports transport.Set
	manager    *session.Manager
	table      *routing.Table
	router     *router.Router
	discovery  *discovery.Service
	beacon     *lan.Beacon
	store      storage.Storage

	mu        sync.RWMutex
	state     nodeState
	listeners []transport.Listener
	addrs     []transport.Address

	linkMu sync.Mutex
	links  map[*session.Conn]*linkSetup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// linkSetup tracks opening the control stream of one connection.
type linkSetup struct {
	done chan struct{}
	err  error
}

func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kp, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	reg, gatherer := cfg.Registerer, prometheus.Gatherer(nil)
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		kp:       kp,
		id:       kp.PeerID(),
		clock:    clk,
		gatherer: gatherer,
		metrics:  metrics.New(reg, "kadnet"),
		links:    map[*session.Conn]*linkSetup{},
		ctx:      ctx,
		cancel:   cancel,
	}
	n.log = logger.WithField("peer", n.id.ShortString())

	ts := cfg.Transports
	if len(ts) == 0 {
		ts = []transport.Transport{tcp.New(), quic.New(n.log), ws.New(n.log)}
	}
	n.transports = transport.NewSet(ts...)

	n.store = cfg.Storage
	if n.store == nil {
		n.store = storage.NewMemory("kadnet", storage.WithTTL(cfg.RecordTTL), storage.WithClock(clk))
	}

	n.manager = session.NewManager(session.Config{
		Identity:         kp,
		Addrs:            n.Addrs,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		Mux:              session.MuxConfig{StreamWindow: cfg.StreamWindow, KeepAlive: transport.DefaultKeepAlive},
		Blacklist:        cfg.Blacklist,
		Clock:            clk,
		Log:              n.log,
		Metrics:          n.metrics,
	})
	n.manager.OnConnect(n.onConnect)
	n.manager.OnDisconnect(n.onDisconnect)

	n.table = routing.New(n.id, routing.PingFunc(n.ping), routing.Config{
		K:           cfg.K,
		PingTimeout: cfg.PingTimeout,
		Clock:       clk,
		Log:         n.log,
		Metrics:     n.metrics,
	})

	n.router = router.New(router.Config{
		Self:           n.id,
		RequestTimeout: cfg.RequestTimeout,
		BroadcastTTL:   cfg.BroadcastTTL,
		DedupSize:      cfg.DedupSize,
		DedupTTL:       cfg.DedupTTL,
		InboundBuffer:  cfg.InboundBuffer,
		OnDetach:       n.onLinkDetach,
		OnMessage:      n.onMessage,
		Log:            n.log,
		Metrics:        n.metrics,
	})
	n.registerHandlers()

	seeds, _ := transport.ParseAddresses(cfg.BootstrapAddrs)
	n.discovery = discovery.New(n.table, querier{n}, discovery.ConnectorFunc(n.Connect), discovery.Config{
		Lookup: discovery.LookupConfig{
			K:            cfg.K,
			Alpha:        cfg.Alpha,
			MaxRounds:    cfg.MaxRounds,
			QueryTimeout: cfg.QueryTimeout,
		},
		RefreshInterval: cfg.RefreshInterval,
		Seeds:           seeds,
		Clock:           clk,
		Log:             n.log,
		Metrics:         n.metrics,
	})

	if cfg.LAN.Enabled {
		n.beacon = lan.New(kp, n.Addrs, lan.Config{
			Port:      cfg.LAN.Port,
			Interval:  cfg.LAN.Interval,
			Group:     cfg.LAN.Group,
			Broadcast: cfg.LAN.Broadcast,
			Targets:   cfg.LAN.Targets,
			Clock:     clk,
			Log:       n.log,
			Metrics:   n.metrics,
		})
	}
	return n, nil
}

func loadIdentity(cfg Config) (identity.KeyPair, error) {
	switch {
	case cfg.Identity != nil:
		return *cfg.Identity, nil
	case cfg.KeyFile != "":
		return identity.LoadOrCreateKeyFile(cfg.KeyFile)
	default:
		return identity.GenerateKeyPair()
	}
}

// Start binds every listen address, starts the background loops and
// bootstraps from the configured seeds. A failed bootstrap is logged; the
// node keeps running and retries on refresh.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case stateRunning:
		n.mu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		n.mu.Unlock()
		return ErrShutdown
	}

	addrs, _ := transport.ParseAddresses(n.cfg.ListenAddrs)
	for _, a := range addrs {
		t, err := n.transports.For(a)
		if err == nil {
			var ln transport.Listener
			if ln, err = t.Listen(a); err == nil {
				n.listeners = append(n.listeners, ln)
				n.addrs = append(n.addrs, ln.Addr())
				continue
			}
		}
		for _, ln := range n.listeners {
			_ = ln.Close()
		}
		n.listeners, n.addrs = nil, nil
		n.mu.Unlock()
		return err
	}
	n.state = stateRunning
	listeners := append([]transport.Listener(nil), n.listeners...)
	n.mu.Unlock()

	for _, ln := range listeners {
		n.wg.Add(1)
		go n.acceptLoop(ln)
	}

	var lanPeers <-chan lan.Peer
	if n.beacon != nil {
		if err := n.beacon.Start(); err != nil {
			n.log.WithError(err).Warn("lan beacon not started")
		} else {
			lanPeers = n.beacon.Peers()
		}
	}

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.manager.Run(n.ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.discovery.Run(n.ctx, lanPeers)
	}()
	go func() {
		defer n.wg.Done()
		n.sweepLoop()
	}()

	n.log.WithFields(logrus.Fields{
		"id":    n.id.String(),
		"addrs": transport.AddressStrings(n.Addrs()),
	}).Info("node started")

	if seeds, _ := transport.ParseAddresses(n.cfg.BootstrapAddrs); len(seeds) > 0 {
		if err := n.discovery.Bootstrap(ctx, seeds); err != nil {
			n.log.WithError(err).Warn("bootstrap failed")
		}
	}
	return nil
}

func (n *Node) acceptLoop(ln transport.Listener) {
	defer n.wg.Done()
	for {
		ch, err := ln.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			n.log.WithField("listener", ln.Addr().String()).WithError(err).Debug("accept failed")
			select {
			case <-n.ctx.Done():
				return
			case <-n.clock.After(50 * time.Millisecond):
			}
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.manager.Accept(n.ctx, ch); err != nil {
				n.log.WithField("remote", ch.RemoteAddr().String()).WithError(err).Debug("inbound connection rejected")
			}
		}()
	}
}

func (n *Node) sweepLoop() {
	sw, ok := n.store.(interface{ Sweep() int })
	if !ok {
		return
	}
	t := n.clock.Ticker(n.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			if removed := sw.Sweep(); removed > 0 {
				n.log.WithField("removed", removed).Debug("expired records swept")
			}
		}
	}
}

func (n *Node) running() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch n.state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrShutdown
	}
	return nil
}

// Connect dials addr, authenticates the remote and adds it to the routing table.
func (n *Node) Connect(ctx context.Context, addr transport.Address) (routing.PeerInfo, error) {
	if err := n.running(); err != nil {
		return routing.PeerInfo{}, err
	}
	info, err := n.dial(ctx, addr, nil)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	if _, err := n.table.Add(ctx, info); err != nil {
		n.log.WithField("peer", info.ID.ShortString()).WithError(err).Debug("routing table add")
	}
	return info, nil
}

func (n *Node) dial(ctx context.Context, addr transport.Address, expected *identity.PeerID) (routing.PeerInfo, error) {
	ch, err := n.transports.Dial(ctx, addr)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	c, err := n.manager.Dial(ctx, ch, expected)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	if err := n.awaitLink(ctx, c); err != nil {
		return routing.PeerInfo{}, err
	}
	info := n.peerInfo(c)
	if len(info.Addrs) == 0 {
		info.Addrs = []transport.Address{addr}
	}
	return info, nil
}

// connected makes sure a control link to p exists, dialing its addresses if needed.
func (n *Node) connected(ctx context.Context, p routing.PeerInfo) error {
	if n.router.Connected(p.ID) {
		return nil
	}
	if err := n.running(); err != nil {
		return err
	}
	if len(p.Addrs) == 0 {
		return fmt.Errorf("%w: %s has no addresses", ErrPeerNotFound, p.ID.ShortString())
	}
	var errs error
	for _, a := range p.Addrs {
		id := p.ID
		if _, err := n.dial(ctx, a, &id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		return nil
	}
	return errs
}

func (n *Node) peerInfo(c *session.Conn) routing.PeerInfo {
	return routing.PeerInfo{
		ID:       c.RemotePeer(),
		Addrs:    resolveAddrs(c.RemoteAddrs(), c.RemoteAddr()),
		LastSeen: n.clock.Now(),
	}
}

// resolveAddrs replaces wildcard listen hosts with the host the connection came from.
func resolveAddrs(addrs []transport.Address, remote net.Addr) []transport.Address {
	host := ""
	if remote != nil {
		if h, _, err := net.SplitHostPort(remote.String()); err == nil {
			host = h
		}
	}
	out := make([]transport.Address, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a.Host)
		if a.Scheme != transport.SchemeMemory && (a.Host == "" || (ip != nil && ip.IsUnspecified())) {
			if host == "" {
				continue
			}
			a.Host = host
		}
		out = append(out, a)
	}
	return out
}

func (n *Node) onConnect(c *session.Conn) {
	n.linkFor(c)
}

func (n *Node) onDisconnect(c *session.Conn) {
	n.linkMu.Lock()
	delete(n.links, c)
	n.linkMu.Unlock()
}

// onMessage refreshes the sender's routing entry on every exchange.
func (n *Node) onMessage(peer identity.PeerID) {
	if c, ok := n.manager.Get(peer); ok {
		n.table.Observe(n.peerInfo(c))
	}
}

// onLinkDetach drops the connection of a peer that broke the protocol.
func (n *Node) onLinkDetach(peer identity.PeerID, err error) {
	if errors.Is(err, transport.ErrProtocolViolation) {
		n.log.WithField("remote", peer.ShortString()).WithError(err).Warn("closing connection after protocol violation")
		_ = n.manager.Close(peer)
	}
}

func (n *Node) linkFor(c *session.Conn) *linkSetup {
	n.linkMu.Lock()
	defer n.linkMu.Unlock()
	if s, ok := n.links[c]; ok {
		return s
	}
	s := &linkSetup{done: make(chan struct{})}

	// Shutdown waits on wg after flipping the state, so never add once stopped.
	n.mu.Lock()
	stopped := n.state != stateRunning
	if !stopped {
		n.wg.Add(1)
	}
	n.mu.Unlock()
	if stopped {
		s.err = ErrShutdown
		close(s.done)
		_ = c.Close()
		return s
	}

	n.links[c] = s
	go n.attach(c, s)
	return s
}

func (n *Node) awaitLink(ctx context.Context, c *session.Conn) error {
	s := n.linkFor(c)
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach opens (initiator) or accepts (responder) the control stream and
// hands it to the router.
func (n *Node) attach(c *session.Conn, s *linkSetup) {
	defer n.wg.Done()
	defer close(s.done)

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	var (
		st  *session.Stream
		err error
	)
	if c.Initiator() {
		st, err = c.OpenStream(ctx)
	} else {
		st, err = c.AcceptStream(ctx)
	}
	if err == nil {
		if err = n.router.Attach(st); err != nil {
			_ = st.Close()
		}
	}
	if err == nil && c.Initiator() {
		// The pong comes back only once the responder's router holds the link.
		err = n.ping(ctx, n.peerInfo(c))
	}
	if err != nil {
		s.err = err
		_ = c.Close()
		n.log.WithField("remote", c.RemotePeer().ShortString()).WithError(err).Debug("control stream setup failed")
		return
	}
	n.table.Observe(n.peerInfo(c))
}

// DiscoverPeers runs a lookup of the local id and returns the closest known peers.
func (n *Node) DiscoverPeers(ctx context.Context) ([]routing.PeerInfo, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	return n.discovery.DiscoverPeers(ctx)
}

// FindPeer locates id through the routing table or an iterative lookup.
func (n *Node) FindPeer(ctx context.Context, id identity.PeerID) (routing.PeerInfo, error) {
	if err := n.running(); err != nil {
		return routing.PeerInfo{}, err
	}
	return n.discovery.FindPeer(ctx, id)
}

// Broadcast floods payload to the overlay with the configured TTL.
func (n *Node) Broadcast(ctx context.Context, payload []byte) (protocol.BroadcastID, error) {
	if err := n.running(); err != nil {
		return protocol.BroadcastID{}, err
	}
	return n.router.Broadcast(ctx, payload)
}

// SendDirect sends a request to peer, connecting first if necessary, and
// returns the reply of the remote RequestHandler.
func (n *Node) SendDirect(ctx context.Context, peer identity.PeerID, payload []byte) ([]byte, error) {
	if err := n.reach(ctx, peer); err != nil {
		return nil, err
	}
	resp, err := n.router.Request(ctx, peer, protocol.MessageTypeRequest, payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Send delivers a one-way Custom message to peer.
func (n *Node) Send(ctx context.Context, peer identity.PeerID, payload []byte) error {
	if err := n.reach(ctx, peer); err != nil {
		return err
	}
	return n.router.Send(ctx, peer, protocol.MessageTypeCustom, payload)
}

func (n *Node) reach(ctx context.Context, peer identity.PeerID) error {
	if err := n.running(); err != nil {
		return err
	}
	if n.router.Connected(peer) {
		return nil
	}
	info, err := n.discovery.FindPeer(ctx, peer)
	if err != nil {
		return err
	}
	return n.connected(ctx, info)
}

// Incoming delivers Custom messages and broadcasts. It is closed by Shutdown.
func (n *Node) Incoming() <-chan router.Delivery {
	return n.router.Inbound()
}

// HandleRequest installs the handler answering SendDirect requests.
func (n *Node) HandleRequest(fn RequestHandler) {
	n.router.Handle(protocol.MessageTypeRequest, func(ctx context.Context, from identity.PeerID, m protocol.Message) ([]byte, error) {
		return fn(ctx, from, m.Body)
	})
}

func (n *Node) ID() identity.PeerID { return n.id }

func (n *Node) KeyPair() identity.KeyPair { return n.kp }

// Addrs are the bound listen addresses, empty before Start.
func (n *Node) Addrs() []transport.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]transport.Address(nil), n.addrs...)
}

// Peers is the content of the routing table.
func (n *Node) Peers() []routing.PeerInfo {
	return n.table.All()
}

// Connected lists peers with a live control link.
func (n *Node) Connected() []identity.PeerID {
	return n.router.Peers()
}

// MetricsHandler serves the node's Prometheus metrics.
func (n *Node) MetricsHandler() http.Handler {
	return metrics.Handler(n.gatherer)
}

// Shutdown stops background work, closes every connection and listener and
// releases the store. It waits for all goroutines unless ctx ends first.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.state == stateStopped {
		n.mu.Unlock()
		return nil
	}
	n.state = stateStopped
	listeners := n.listeners
	n.listeners = nil
	n.mu.Unlock()

	n.cancel()
	var err error
	if n.beacon != nil {
		n.beacon.Stop()
	}
	for _, ln := range listeners {
		err = multierr.Append(err, ln.Close())
	}
	err = multierr.Append(err, n.manager.CloseAll())
	err = multierr.Append(err, n.router.Close())

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	n.table.Close()
	err = multierr.Append(err, n.store.Close())
	n.log.Info("node stopped")
	return err
}
