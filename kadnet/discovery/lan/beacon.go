// Package lan announces the local node on the network segment over UDP and
// reports verified announcements from other nodes.
package lan

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/metrics"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

const (
	DefaultPort     = 45777
	DefaultInterval = 10 * time.Second
	DefaultGroup    = "239.255.77.77"

	// announcements carry whole-second timestamps
	minMaxAge = 5 * time.Second

	maxPacketSize = 8 * 1024
	peerQueueSize = 32
)

var ErrAlreadyStarted = errors.New("lan: beacon already started")

type Config struct {
	// Bind is the local UDP address; "0.0.0.0" when empty.
	Bind string
	// Port is the UDP port every beacon on the segment listens on. Zero picks an
	// ephemeral port, which only works with explicit Targets.
	Port      int
	Interval  time.Duration
	Group     string
	Broadcast bool
	// Targets are unicast "host:port" destinations announced to in addition to group and broadcast.
	Targets []string
	// MaxAge bounds how old an accepted announcement may be.
	MaxAge time.Duration

	Clock   clock.Clock
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.Bind == "" {
		c.Bind = "0.0.0.0"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 3 * c.Interval
	}
	if c.MaxAge < minMaxAge {
		c.MaxAge = minMaxAge
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Peer is a verified announcement.
type Peer struct {
	ID     identity.PeerID
	Addrs  []transport.Address
	Source net.Addr
}

// Beacon periodically sends a signed announcement and listens for others.
type Beacon struct {
	kp    identity.KeyPair
	self  identity.PeerID
	addrs func() []transport.Address
	cfg   Config
	log   *logrus.Entry

	seen  *expirable.LRU[identity.PeerID, struct{}]
	peers chan Peer

	mu      sync.Mutex
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	dests   []*net.UDPAddr
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New prepares a beacon announcing the addresses returned by addrs.
func New(kp identity.KeyPair, addrs func() []transport.Address, cfg Config) *Beacon {
	cfg.setDefaults()
	return &Beacon{
		kp:    kp,
		self:  kp.PeerID(),
		addrs: addrs,
		cfg:   cfg,
		log:   cfg.Log.WithField("component", "lan"),
		// a peer is reported again once its entry ages out, so a lost
		// connection gets another chance after a few intervals
		seen:  expirable.NewLRU[identity.PeerID, struct{}](1024, nil, cfg.MaxAge),
		peers: make(chan Peer, peerQueueSize),
		stop:  make(chan struct{}),
	}
}

// Peers delivers each verified peer at most once per MaxAge.
func (b *Beacon) Peers() <-chan Peer {
	return b.peers
}

// Addr is the bound UDP address, nil before Start.
func (b *Beacon) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

func (b *Beacon) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(b.cfg.Bind, strconv.Itoa(b.cfg.Port)))
	if err != nil {
		return fmt.Errorf("lan: listen: %w", err)
	}
	b.conn = conn
	b.pc = ipv4.NewPacketConn(conn)
	b.dests = b.destinations()
	b.started = true

	b.wg.Add(2)
	go b.sendLoop()
	go b.receiveLoop()

	b.log.WithFields(logrus.Fields{
		"addr":         conn.LocalAddr().String(),
		"destinations": len(b.dests),
	}).Info("lan beacon started")
	return nil
}

// destinations joins the multicast group and resolves every send target.
func (b *Beacon) destinations() []*net.UDPAddr {
	var out []*net.UDPAddr
	port := b.cfg.Port
	if port != 0 && b.cfg.Group != "" {
		group := net.ParseIP(b.cfg.Group)
		if group == nil || !group.IsMulticast() {
			b.log.WithField("group", b.cfg.Group).Warn("ignoring invalid multicast group")
		} else if b.joinGroup(&net.UDPAddr{IP: group}) {
			_ = b.pc.SetMulticastLoopback(true)
			_ = b.pc.SetMulticastTTL(1)
			out = append(out, &net.UDPAddr{IP: group, Port: port})
		}
	}
	if port != 0 && b.cfg.Broadcast {
		out = append(out, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}
	for _, t := range b.cfg.Targets {
		a, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			b.log.WithField("target", t).WithError(err).Warn("ignoring beacon target")
			continue
		}
		out = append(out, a)
	}
	return out
}

func (b *Beacon) joinGroup(group net.Addr) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		b.log.WithError(err).Debug("listing interfaces")
		return false
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := b.pc.JoinGroup(ifi, group); err != nil {
			b.log.WithField("iface", ifi.Name).WithError(err).Debug("join multicast group")
			continue
		}
		joined++
	}
	return joined > 0
}

func (b *Beacon) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stop)
	conn := b.conn
	b.mu.Unlock()

	_ = conn.Close()
	b.wg.Wait()
	b.log.Info("lan beacon stopped")
}

func (b *Beacon) sendLoop() {
	defer b.wg.Done()
	t := b.cfg.Clock.Ticker(b.cfg.Interval)
	defer t.Stop()

	b.Announce()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			b.Announce()
		}
	}
}

// Announce sends one announcement to every destination now.
func (b *Beacon) Announce() {
	b.mu.Lock()
	conn, dests := b.conn, b.dests
	b.mu.Unlock()
	if conn == nil || len(dests) == 0 {
		return
	}
	addrs := b.addrs()
	if len(addrs) == 0 {
		return
	}
	if len(addrs) > protocol.MaxRecordAddrs {
		addrs = addrs[:protocol.MaxRecordAddrs]
	}
	a, err := protocol.NewAnnouncement(b.kp, addrs, b.cfg.Clock.Now())
	if err != nil {
		b.log.WithError(err).Warn("building announcement")
		return
	}
	pkt, err := protocol.EncodeJSON(a)
	if err != nil {
		b.log.WithError(err).Warn("encoding announcement")
		return
	}
	for _, d := range dests {
		if _, err := conn.WriteTo(pkt, d); err != nil {
			b.log.WithField("dest", d.String()).WithError(err).Debug("announce failed")
		}
	}
}

func (b *Beacon) receiveLoop() {
	defer b.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		b.handlePacket(buf[:n], from)
	}
}

func (b *Beacon) handlePacket(data []byte, from net.Addr) {
	var a protocol.Announcement
	if err := protocol.DecodeJSON(data, &a); err != nil {
		b.log.WithField("from", from.String()).Debug("dropping malformed announcement")
		return
	}
	if len(a.Addrs) > protocol.MaxRecordAddrs {
		b.log.WithField("from", from.String()).Warn("dropping oversized announcement")
		return
	}
	id, err := a.Verify(b.cfg.Clock.Now(), b.cfg.MaxAge)
	if err != nil {
		b.log.WithField("from", from.String()).WithError(err).Warn("dropping invalid announcement")
		return
	}
	if id == b.self || b.seen.Contains(id) {
		return
	}
	addrs := resolveUnspecified(a.Addresses(), from)
	if len(addrs) == 0 {
		return
	}
	b.seen.Add(id, struct{}{})

	p := Peer{ID: id, Addrs: addrs, Source: from}
	select {
	case b.peers <- p:
		b.log.WithFields(logrus.Fields{"peer": id.ShortString(), "from": from.String()}).Debug("lan peer announced")
	default:
		b.cfg.Metrics.Dropped("lan")
	}
}

// resolveUnspecified substitutes the sender's IP for wildcard listen hosts.
func resolveUnspecified(addrs []transport.Address, from net.Addr) []transport.Address {
	udp, ok := from.(*net.UDPAddr)
	out := make([]transport.Address, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a.Host)
		if a.Scheme != transport.SchemeMemory && (a.Host == "" || (ip != nil && ip.IsUnspecified())) {
			if !ok {
				continue
			}
			a.Host = udp.IP.String()
		}
		out = append(out, a)
	}
	return out
}
