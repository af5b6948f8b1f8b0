package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/routing"
)

const (
	DefaultAlpha        = 3
	DefaultMaxRounds    = 20
	DefaultQueryTimeout = 5 * time.Second
)

// Querier asks a remote peer for the peers it knows closest to target.
type Querier interface {
	FindNode(ctx context.Context, peer routing.PeerInfo, target identity.PeerID) ([]routing.PeerInfo, error)
}

// Table is the part of the routing table a lookup reads and feeds.
type Table interface {
	Self() identity.PeerID
	FindClosest(target identity.PeerID, count int) []routing.PeerInfo
	Observe(info routing.PeerInfo) bool
}

type LookupConfig struct {
	K            int
	Alpha        int
	MaxRounds    int
	QueryTimeout time.Duration
	// Clock stamps LastSeen and Latency of responsive peers.
	Clock clock.Clock
}

func (c *LookupConfig) setDefaults() {
	if c.K <= 0 {
		c.K = routing.DefaultK
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// LookupResult is what an iterative lookup converged on.
type LookupResult struct {
	// Peers are the closest responsive or not-yet-failed peers, nearest first.
	Peers []routing.PeerInfo
	// Found is set when the exact target answered or was returned by a peer.
	Found   bool
	Target  routing.PeerInfo
	Rounds  int
	Queried int
}

type candidate struct {
	info    routing.PeerInfo
	queried bool
	failed  bool
	// round the candidate was first learned in, 0 for the table seed
	round int
}

// lookup is the state of one iterative query. Only the coordinating
// goroutine touches the candidate set; responses arrive through merge.
type lookup struct {
	cfg    LookupConfig
	table  Table
	q      Querier
	target identity.PeerID
	self   identity.PeerID

	mu         sync.Mutex
	candidates map[identity.PeerID]*candidate
	found      *routing.PeerInfo
}

// Lookup runs an iterative FindNode towards target. It never fails: a
// cancelled context or unresponsive peers produce a partial result.
func Lookup(ctx context.Context, table Table, q Querier, target identity.PeerID, cfg LookupConfig) LookupResult {
	cfg.setDefaults()
	l := &lookup{
		cfg:        cfg,
		table:      table,
		q:          q,
		target:     target,
		self:       table.Self(),
		candidates: map[identity.PeerID]*candidate{},
	}
	l.merge(table.FindClosest(target, cfg.K), 0)

	// Rounds of alpha queries run while each one turns up a closer live peer.
	// A round without progress is followed by one that queries every
	// unqueried peer among the k closest; the lookup ends once all of them
	// have been asked.
	res := LookupResult{}
	progress := true
	for res.Rounds < cfg.MaxRounds && ctx.Err() == nil && !l.hasFound() {
		size := cfg.Alpha
		if !progress {
			size = cfg.K
		}
		batch := l.nextBatch(size)
		if len(batch) == 0 {
			break
		}
		res.Rounds++
		res.Queried += len(batch)
		l.round(ctx, batch, res.Rounds)
		progress = l.closestFrom(res.Rounds)
	}

	res.Peers = l.closest(cfg.K)
	if f := l.foundPeer(); f != nil {
		res.Found = true
		res.Target = *f
	}
	return res
}

func (l *lookup) round(ctx context.Context, batch []*candidate, n int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Alpha)
	for _, c := range batch {
		c := c
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, l.cfg.QueryTimeout)
			defer cancel()
			start := l.cfg.Clock.Now()
			peers, err := l.q.FindNode(qctx, c.info, l.target)

			l.mu.Lock()
			if err != nil {
				c.failed = true
				l.mu.Unlock()
				return nil
			}
			l.mu.Unlock()

			seen := c.info
			seen.LastSeen = l.cfg.Clock.Now()
			seen.Latency = seen.LastSeen.Sub(start)
			l.table.Observe(seen)
			if c.info.ID == l.target {
				l.setFound(seen)
			}
			l.merge(peers, n)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *lookup) merge(peers []routing.PeerInfo, round int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range peers {
		if p.ID == l.self || p.ID.IsZero() {
			continue
		}
		if p.ID == l.target && l.found == nil {
			found := p
			l.found = &found
		}
		if _, ok := l.candidates[p.ID]; ok {
			continue
		}
		l.candidates[p.ID] = &candidate{info: p, round: round}
	}
}

func (l *lookup) setFound(p routing.PeerInfo) {
	l.mu.Lock()
	l.found = &p
	l.mu.Unlock()
}

func (l *lookup) hasFound() bool {
	return l.foundPeer() != nil
}

func (l *lookup) foundPeer() *routing.PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.found
}

// live returns the non-failed candidates sorted by distance to target.
func (l *lookup) live() []*candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*candidate, 0, len(l.candidates))
	for _, c := range l.candidates {
		if !c.failed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return identity.CloserTo(l.target, out[i].info.ID, out[j].info.ID)
	})
	return out
}

// nextBatch picks up to size unqueried peers among the k closest live ones
// and marks them queried.
func (l *lookup) nextBatch(size int) []*candidate {
	live := l.live()
	if len(live) > l.cfg.K {
		live = live[:l.cfg.K]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var batch []*candidate
	for _, c := range live {
		if len(batch) == size {
			break
		}
		if !c.queried {
			c.queried = true
			batch = append(batch, c)
		}
	}
	return batch
}

// closestFrom reports whether the closest live candidate was learned in
// round n. A failed closest peer drops out of the live set, so it never
// hides progress made by the others.
func (l *lookup) closestFrom(n int) bool {
	live := l.live()
	if len(live) == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return live[0].round == n
}

func (l *lookup) closest(n int) []routing.PeerInfo {
	live := l.live()
	if len(live) > n {
		live = live[:n]
	}
	out := make([]routing.PeerInfo, len(live))
	for i, c := range live {
		out[i] = c.info
	}
	return out
}
