// Package discovery finds peers: seed bootstrap, iterative Kademlia lookups,
// periodic bucket refresh and local-segment beacons all feed one routing table.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/kadnet/kadnet/discovery/lan"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/metrics"
	"github.com/TheusHen/kadnet/kadnet/routing"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

var (
	ErrNotFound        = errors.New("discovery: peer not found")
	ErrBootstrapFailed = errors.New("discovery: no seed reachable")
)

const (
	DefaultRefreshInterval = time.Minute
	// DefaultStaleAfter is how long a bucket may go unchanged before refresh targets it.
	DefaultStaleAfter = time.Hour

	maxParallelDials = 8
)

// Connector establishes an authenticated connection and reports the proven peer.
type Connector interface {
	Connect(ctx context.Context, addr transport.Address) (routing.PeerInfo, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, addr transport.Address) (routing.PeerInfo, error)

func (f ConnectorFunc) Connect(ctx context.Context, addr transport.Address) (routing.PeerInfo, error) {
	return f(ctx, addr)
}

type Config struct {
	Lookup          LookupConfig
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	Seeds           []transport.Address

	Clock   clock.Clock
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Service keeps the routing table populated.
type Service struct {
	cfg   Config
	table *routing.Table
	q     Querier
	conn  Connector
	log   *logrus.Entry

	mu    sync.Mutex
	seeds []transport.Address
}

func New(table *routing.Table, q Querier, conn Connector, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Lookup.Clock == nil {
		cfg.Lookup.Clock = cfg.Clock
	}
	cfg.Lookup.setDefaults()
	if cfg.Lookup.K > table.K() {
		cfg.Lookup.K = table.K()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		cfg:   cfg,
		table: table,
		q:     q,
		conn:  conn,
		log:   cfg.Log.WithField("component", "discovery"),
		seeds: append([]transport.Address(nil), cfg.Seeds...),
	}
}

// Bootstrap dials the seed addresses and then looks up the local id.
// It fails only when no seed could be reached.
func (s *Service) Bootstrap(ctx context.Context, seeds []transport.Address) error {
	if len(seeds) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, a := range seeds {
		if !containsAddr(s.seeds, a) {
			s.seeds = append(s.seeds, a)
		}
	}
	s.mu.Unlock()

	var (
		mu        sync.Mutex
		errs      error
		connected int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDials)
	for _, addr := range seeds {
		addr := addr
		g.Go(func() error {
			p, err := s.conn.Connect(gctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
				return nil
			}
			connected++
			s.log.WithFields(logrus.Fields{"seed": addr.String(), "peer": p.ID.ShortString()}).Debug("seed connected")
			return nil
		})
	}
	_ = g.Wait()
	if connected == 0 {
		return fmt.Errorf("%w: %w", ErrBootstrapFailed, errs)
	}

	res := s.lookup(ctx, s.table.Self())
	s.log.WithFields(logrus.Fields{
		"seeds":  connected,
		"rounds": res.Rounds,
		"peers":  s.table.Size(),
	}).Info("bootstrap complete")
	return nil
}

func (s *Service) lookup(ctx context.Context, target identity.PeerID) LookupResult {
	start := s.cfg.Clock.Now()
	res := Lookup(ctx, s.table, s.q, target, s.cfg.Lookup)
	s.cfg.Metrics.Lookup(res.Rounds, s.cfg.Clock.Since(start))
	return res
}

// Lookup runs an iterative lookup for target against the service's table.
func (s *Service) Lookup(ctx context.Context, target identity.PeerID) LookupResult {
	return s.lookup(ctx, target)
}

// DiscoverPeers runs a self lookup and returns the closest peers it met.
func (s *Service) DiscoverPeers(ctx context.Context) ([]routing.PeerInfo, error) {
	if s.table.Size() == 0 {
		if err := s.rebootstrap(ctx); err != nil {
			return nil, err
		}
	}
	res := s.lookup(ctx, s.table.Self())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

// FindPeer locates id through the table or an iterative lookup.
func (s *Service) FindPeer(ctx context.Context, id identity.PeerID) (routing.PeerInfo, error) {
	if p, ok := s.table.Get(id); ok {
		return p, nil
	}
	res := s.lookup(ctx, id)
	if !res.Found {
		return routing.PeerInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id.ShortString())
	}
	return res.Target, nil
}

// Refresh re-bootstraps an empty table, looks up self and a random id in every stale bucket.
func (s *Service) Refresh(ctx context.Context) {
	if s.table.Size() == 0 {
		if err := s.rebootstrap(ctx); err != nil {
			s.log.WithError(err).Debug("re-bootstrap failed")
			return
		}
	}
	s.lookup(ctx, s.table.Self())
	for _, idx := range s.table.StaleBuckets(s.cfg.StaleAfter) {
		if ctx.Err() != nil {
			return
		}
		target, err := identity.RandomIDWithPrefix(s.table.Self(), idx)
		if err != nil {
			continue
		}
		s.lookup(ctx, target)
	}
}

func (s *Service) rebootstrap(ctx context.Context) error {
	s.mu.Lock()
	seeds := append([]transport.Address(nil), s.seeds...)
	s.mu.Unlock()
	return s.Bootstrap(ctx, seeds)
}

// Run refreshes every RefreshInterval and connects to peers announced on
// lanPeers (which may be nil) until ctx is done.
func (s *Service) Run(ctx context.Context, lanPeers <-chan lan.Peer) {
	t := s.cfg.Clock.Ticker(s.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
		case p, ok := <-lanPeers:
			if !ok {
				lanPeers = nil
				continue
			}
			s.connectAnnounced(ctx, p)
		}
	}
}

func (s *Service) connectAnnounced(ctx context.Context, p lan.Peer) {
	if _, known := s.table.Get(p.ID); known {
		return
	}
	for _, addr := range p.Addrs {
		info, err := s.conn.Connect(ctx, addr)
		if err != nil {
			s.log.WithFields(logrus.Fields{"peer": p.ID.ShortString(), "addr": addr.String()}).
				WithError(err).Debug("lan peer unreachable")
			continue
		}
		if info.ID != p.ID {
			s.log.WithField("addr", addr.String()).Warn("lan announcement address answered with another identity")
			continue
		}
		s.log.WithFields(logrus.Fields{"peer": p.ID.ShortString(), "addr": addr.String()}).Info("lan peer connected")
		return
	}
}

func containsAddr(as []transport.Address, a transport.Address) bool {
	for _, x := range as {
		if x == a {
			return true
		}
	}
	return false
}
