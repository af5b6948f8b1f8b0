package routing

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/metrics"
)

const (
	// DefaultK is the bucket capacity and lookup width.
	DefaultK = 20

	DefaultPingTimeout = 5 * time.Second

	defaultQueueSize = 256
	numBuckets       = identity.IDBits
)

var ErrClosed = errors.New("routing: table closed")

// Pinger checks that a peer is alive.
type Pinger interface {
	Ping(ctx context.Context, p PeerInfo) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context, p PeerInfo) error

func (f PingFunc) Ping(ctx context.Context, p PeerInfo) error { return f(ctx, p) }

// AddResult is the table's decision on a candidate.
type AddResult int

const (
	AddInserted AddResult = iota
	AddUpdated
	AddRejected
)

func (r AddResult) String() string {
	switch r {
	case AddInserted:
		return "inserted"
	case AddUpdated:
		return "updated"
	default:
		return "rejected"
	}
}

type Config struct {
	K           int
	PingTimeout time.Duration
	// QueueSize bounds pending mutations; Observe drops when it is full.
	QueueSize int

	Clock   clock.Clock
	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
	opPingDone
)

type op struct {
	kind  opKind
	info  PeerInfo
	reply chan AddResult

	// opPingDone
	bucket  int
	lrs     identity.PeerID
	pingErr error
}

// snapshot is an immutable view of the buckets.
type snapshot struct {
	buckets [numBuckets][]PeerInfo
	changed [numBuckets]time.Time
	size    int
}

// Table is the routing table of one node. All mutations are serialized
// through a single owner goroutine; reads use the latest published snapshot.
type Table struct {
	self   identity.PeerID
	cfg    Config
	pinger Pinger
	log    *logrus.Entry

	ops  chan op
	snap atomic.Pointer[snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the owner goroutine; Close stops it.
func New(self identity.PeerID, pinger Pinger, cfg Config) *Table {
	cfg.setDefaults()
	if pinger == nil {
		pinger = PingFunc(func(context.Context, PeerInfo) error { return nil })
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Table{
		self:   self,
		cfg:    cfg,
		pinger: pinger,
		log:    cfg.Log.WithField("component", "routing"),
		ops:    make(chan op, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	t.snap.Store(&snapshot{})
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *Table) Self() identity.PeerID { return t.self }

func (t *Table) K() int { return t.cfg.K }

func (t *Table) Close() {
	t.cancel()
	t.wg.Wait()
}

// Add submits a candidate and waits for the decision, which may include
// probing the least-recently-seen entry of a full bucket.
func (t *Table) Add(ctx context.Context, info PeerInfo) (AddResult, error) {
	reply := make(chan AddResult, 1)
	select {
	case t.ops <- op{kind: opAdd, info: info, reply: reply}:
	case <-ctx.Done():
		return AddRejected, ctx.Err()
	case <-t.ctx.Done():
		return AddRejected, ErrClosed
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return AddRejected, ctx.Err()
	case <-t.ctx.Done():
		return AddRejected, ErrClosed
	}
}

// Observe records a sighting without waiting. It reports false when the
// mutation queue is full and the sighting was dropped.
func (t *Table) Observe(info PeerInfo) bool {
	if info.LastSeen.IsZero() {
		info.LastSeen = t.cfg.Clock.Now()
	}
	select {
	case t.ops <- op{kind: opAdd, info: info}:
		return true
	default:
		t.cfg.Metrics.Dropped("routing")
		return false
	}
}

// Remove evicts id; it does not wait for the owner goroutine.
func (t *Table) Remove(id identity.PeerID) {
	select {
	case t.ops <- op{kind: opRemove, info: PeerInfo{ID: id}}:
	case <-t.ctx.Done():
	}
}

func (t *Table) loop() {
	defer t.wg.Done()
	var buckets [numBuckets]bucket
	for {
		select {
		case <-t.ctx.Done():
			return
		case o := <-t.ops:
			var (
				changed = -1
				result  = AddRejected
				pending bool
			)
			switch o.kind {
			case opAdd:
				changed, result, pending = t.add(&buckets, o)
			case opRemove:
				i := t.BucketIndex(o.info.ID)
				if o.info.ID != t.self && buckets[i].remove(o.info.ID) {
					changed = i
				}
			case opPingDone:
				changed, result = t.pingDone(&buckets, o)
			}
			if changed >= 0 {
				buckets[changed].lastChanged = t.cfg.Clock.Now()
				t.publish(&buckets, changed)
			}
			if o.reply != nil && !pending {
				o.reply <- result
			}
		}
	}
}

// add returns the index of the modified bucket, or -1, and the decision.
// A full bucket with no ping running starts one; the ping answers the
// waiter later and pending is true.
func (t *Table) add(buckets *[numBuckets]bucket, o op) (changed int, result AddResult, pending bool) {
	info := o.info
	if info.ID == t.self || info.ID.IsZero() {
		return -1, AddRejected, false
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = t.cfg.Clock.Now()
	}
	idx := t.BucketIndex(info.ID)
	b := &buckets[idx]

	if i := b.index(info.ID); i >= 0 {
		b.bump(i, merge(b.entries[i], info))
		return idx, AddUpdated, false
	}
	if len(b.entries) < t.cfg.K {
		b.entries = append(b.entries, info)
		return idx, AddInserted, false
	}
	if b.pinging {
		return -1, AddRejected, false
	}

	b.pinging = true
	t.wg.Add(1)
	go t.pingLRS(idx, b.lrs(), info, o.reply)
	return -1, AddRejected, true
}

func (t *Table) pingLRS(idx int, lrs, candidate PeerInfo, reply chan AddResult) {
	defer t.wg.Done()
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.PingTimeout)
	err := t.pinger.Ping(ctx, lrs)
	cancel()
	select {
	case t.ops <- op{kind: opPingDone, info: candidate, reply: reply, bucket: idx, lrs: lrs.ID, pingErr: err}:
	case <-t.ctx.Done():
	}
}

func (t *Table) pingDone(buckets *[numBuckets]bucket, o op) (int, AddResult) {
	b := &buckets[o.bucket]
	b.pinging = false
	i := b.index(o.lrs)

	if o.pingErr == nil {
		if i >= 0 {
			refreshed := b.entries[i]
			refreshed.LastSeen = t.cfg.Clock.Now()
			b.bump(i, refreshed)
		}
		t.log.WithFields(logrus.Fields{
			"bucket":    o.bucket,
			"candidate": o.info.ID.ShortString(),
		}).Debug("bucket full, oldest peer alive; candidate rejected")
		return o.bucket, AddRejected
	}

	if i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		t.log.WithFields(logrus.Fields{
			"bucket":  o.bucket,
			"evicted": o.lrs.ShortString(),
		}).WithError(o.pingErr).Debug("evicted unresponsive peer")
	}
	if b.index(o.info.ID) >= 0 || len(b.entries) >= t.cfg.K {
		return o.bucket, AddRejected
	}
	info := o.info
	if info.LastSeen.IsZero() {
		info.LastSeen = t.cfg.Clock.Now()
	}
	b.entries = append(b.entries, info)
	return o.bucket, AddInserted
}

func (t *Table) publish(buckets *[numBuckets]bucket, changed int) {
	prev := t.snap.Load()
	next := *prev
	next.buckets[changed] = buckets[changed].snapshot()
	next.changed[changed] = buckets[changed].lastChanged
	next.size = prev.size - len(prev.buckets[changed]) + len(next.buckets[changed])
	t.snap.Store(&next)
	t.cfg.Metrics.SetTableSize(next.size)
}

// BucketIndex is the bucket id belongs in: the common-prefix length with self,
// with the last bucket also covering full-length prefixes.
func (t *Table) BucketIndex(id identity.PeerID) int {
	cpl := identity.CommonPrefixLen(t.self, id)
	if cpl >= numBuckets {
		cpl = numBuckets - 1
	}
	return cpl
}

func (t *Table) Size() int { return t.snap.Load().size }

func (t *Table) Get(id identity.PeerID) (PeerInfo, bool) {
	s := t.snap.Load()
	for _, p := range s.buckets[t.BucketIndex(id)] {
		if p.ID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

func (t *Table) All() []PeerInfo {
	s := t.snap.Load()
	out := make([]PeerInfo, 0, s.size)
	for _, b := range s.buckets {
		out = append(out, b...)
	}
	return out
}

// Bucket returns a copy of bucket i, least-recently-seen first.
func (t *Table) Bucket(i int) []PeerInfo {
	if i < 0 || i >= numBuckets {
		return nil
	}
	return append([]PeerInfo(nil), t.snap.Load().buckets[i]...)
}

// StaleBuckets lists buckets up to the deepest occupied one that have not
// changed for at least age.
func (t *Table) StaleBuckets(age time.Duration) []int {
	s := t.snap.Load()
	deepest := -1
	for i := numBuckets - 1; i >= 0; i-- {
		if len(s.buckets[i]) > 0 {
			deepest = i
			break
		}
	}
	now := t.cfg.Clock.Now()
	var out []int
	for i := 0; i <= deepest; i++ {
		if now.Sub(s.changed[i]) >= age {
			out = append(out, i)
		}
	}
	return out
}

// FindClosest returns up to count peers sorted by XOR distance to target,
// ties broken by the smaller PeerID. It never blocks on the owner goroutine.
func (t *Table) FindClosest(target identity.PeerID, count int) []PeerInfo {
	if count <= 0 {
		return []PeerInfo{}
	}
	s := t.snap.Load()
	h := &farthestFirst{target: target, peers: make([]PeerInfo, 0, count)}
	for _, b := range s.buckets {
		for _, p := range b {
			if h.Len() < count {
				heap.Push(h, p)
			} else if identity.CloserTo(target, p.ID, h.peers[0].ID) {
				h.peers[0] = p
				heap.Fix(h, 0)
			}
		}
	}
	out := make([]PeerInfo, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(PeerInfo)
	}
	return out
}

// farthestFirst is a max-heap on distance to target, keeping the count closest.
type farthestFirst struct {
	target identity.PeerID
	peers  []PeerInfo
}

func (h *farthestFirst) Len() int { return len(h.peers) }
func (h *farthestFirst) Less(i, j int) bool {
	return identity.CloserTo(h.target, h.peers[j].ID, h.peers[i].ID)
}
func (h *farthestFirst) Swap(i, j int) { h.peers[i], h.peers[j] = h.peers[j], h.peers[i] }
func (h *farthestFirst) Push(x any)    { h.peers = append(h.peers, x.(PeerInfo)) }
func (h *farthestFirst) Pop() any {
	old := h.peers
	n := len(old)
	p := old[n-1]
	h.peers = old[:n-1]
	return p
}
