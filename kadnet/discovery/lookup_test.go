package discovery

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/routing"
)

func randomID(t testing.TB) identity.PeerID {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return kp.PeerID()
}

// simNetwork answers FindNode from each simulated peer's own routing table.
type simNetwork struct {
	tables map[identity.PeerID]*routing.Table

	mu    sync.Mutex
	calls int
	asked map[identity.PeerID]bool
}

func (n *simNetwork) FindNode(ctx context.Context, peer routing.PeerInfo, target identity.PeerID) ([]routing.PeerInfo, error) {
	n.mu.Lock()
	n.calls++
	if n.asked == nil {
		n.asked = map[identity.PeerID]bool{}
	}
	n.asked[peer.ID] = true
	n.mu.Unlock()
	tab, ok := n.tables[peer.ID]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return tab.FindClosest(target, tab.K()), nil
}

func newSimNetwork(t *testing.T, size int) (*simNetwork, []identity.PeerID) {
	t.Helper()
	ids := make([]identity.PeerID, size)
	for i := range ids {
		ids[i] = randomID(t)
	}
	n := &simNetwork{tables: make(map[identity.PeerID]*routing.Table, size)}
	ctx := context.Background()
	for _, self := range ids {
		tab := routing.New(self, nil, routing.Config{})
		t.Cleanup(tab.Close)
		for _, other := range ids {
			if other == self {
				continue
			}
			_, err := tab.Add(ctx, routing.PeerInfo{ID: other})
			require.NoError(t, err)
		}
		n.tables[self] = tab
	}
	return n, ids
}

func TestLookupConvergesLogarithmically(t *testing.T) {
	const size = 128
	net, ids := newSimNetwork(t, size)
	maxRounds := int(math.Ceil(math.Log2(size)))

	for i := 0; i < 32; i++ {
		origin := ids[i]
		target := ids[size-1-i]
		res := Lookup(context.Background(), net.tables[origin], net, target, LookupConfig{})
		require.True(t, res.Found, "lookup %d did not find target", i)
		assert.Equal(t, target, res.Target.ID)
		assert.LessOrEqual(t, res.Rounds, maxRounds, "lookup %d took %d rounds", i, res.Rounds)
	}
}

func TestLookupResultSortedByDistance(t *testing.T) {
	net, ids := newSimNetwork(t, 64)
	target := randomID(t)
	res := Lookup(context.Background(), net.tables[ids[0]], net, target, LookupConfig{K: 8})
	assert.False(t, res.Found)
	require.NotEmpty(t, res.Peers)
	assert.LessOrEqual(t, len(res.Peers), 8)
	for i := 1; i < len(res.Peers); i++ {
		prev := target.Distance(res.Peers[i-1].ID)
		assert.True(t, prev.Cmp(target.Distance(res.Peers[i].ID)) <= 0)
	}
}

// recordingTable is a fixed table that remembers what the lookup observed.
type recordingTable struct {
	self  identity.PeerID
	peers []routing.PeerInfo

	mu       sync.Mutex
	observed map[identity.PeerID]bool
	last     map[identity.PeerID]routing.PeerInfo
}

func (r *recordingTable) Self() identity.PeerID { return r.self }

func (r *recordingTable) FindClosest(target identity.PeerID, count int) []routing.PeerInfo {
	if len(r.peers) > count {
		return r.peers[:count]
	}
	return r.peers
}

func (r *recordingTable) Observe(info routing.PeerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[info.ID] = true
	if r.last == nil {
		r.last = map[identity.PeerID]routing.PeerInfo{}
	}
	r.last[info.ID] = info
	return true
}

type stallingQuerier struct {
	stall map[identity.PeerID]bool
}

func (q stallingQuerier) FindNode(ctx context.Context, peer routing.PeerInfo, target identity.PeerID) ([]routing.PeerInfo, error) {
	if q.stall[peer.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestLookupTimeoutsYieldPartialResult(t *testing.T) {
	tab := &recordingTable{self: randomID(t), observed: map[identity.PeerID]bool{}}
	stall := map[identity.PeerID]bool{}
	for i := 0; i < 4; i++ {
		p := routing.PeerInfo{ID: randomID(t)}
		tab.peers = append(tab.peers, p)
		if i%2 == 0 {
			stall[p.ID] = true
		}
	}

	start := time.Now()
	res := Lookup(context.Background(), tab, stallingQuerier{stall: stall}, randomID(t),
		LookupConfig{Alpha: 4, QueryTimeout: 50 * time.Millisecond})
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.False(t, res.Found)
	assert.Len(t, res.Peers, 2, "stalled peers are dropped from the result")
	for _, p := range res.Peers {
		assert.False(t, stall[p.ID])
	}
	for id := range stall {
		assert.False(t, tab.observed[id], "failed peer observed")
	}
	for _, p := range res.Peers {
		assert.True(t, tab.observed[p.ID], "responsive peer not observed")
	}
}

func TestLookupHonoursCancelledContext(t *testing.T) {
	net, ids := newSimNetwork(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Lookup(ctx, net.tables[ids[0]], net, randomID(t), LookupConfig{})
	assert.Zero(t, res.Rounds)
	assert.NotEmpty(t, res.Peers, "seeded candidates are still returned")
}

func TestLookupEmptyTable(t *testing.T) {
	tab := &recordingTable{self: randomID(t), observed: map[identity.PeerID]bool{}}
	res := Lookup(context.Background(), tab, stallingQuerier{}, randomID(t), LookupConfig{})
	assert.Zero(t, res.Rounds)
	assert.Empty(t, res.Peers)
}

// atDistance returns the id whose XOR distance to target is d in the first
// byte and zero elsewhere.
func atDistance(target identity.PeerID, d byte) identity.PeerID {
	id := target
	id[0] ^= d
	return id
}

// scriptedQuerier answers from a fixed map and fails for unknown peers.
type scriptedQuerier struct {
	answers map[identity.PeerID][]routing.PeerInfo

	mu    sync.Mutex
	asked []identity.PeerID
}

func (q *scriptedQuerier) FindNode(ctx context.Context, peer routing.PeerInfo, target identity.PeerID) ([]routing.PeerInfo, error) {
	q.mu.Lock()
	q.asked = append(q.asked, peer.ID)
	q.mu.Unlock()
	peers, ok := q.answers[peer.ID]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return peers, nil
}

func TestLookupContinuesPastDeadClosestPeer(t *testing.T) {
	target := randomID(t)
	dead := routing.PeerInfo{ID: atDistance(target, 0x01)}
	closer := routing.PeerInfo{ID: atDistance(target, 0x04)}
	p1 := routing.PeerInfo{ID: atDistance(target, 0x10)}
	p2 := routing.PeerInfo{ID: atDistance(target, 0x20)}

	tab := &recordingTable{
		self:     atDistance(target, 0x80),
		peers:    []routing.PeerInfo{dead, p1, p2},
		observed: map[identity.PeerID]bool{},
	}
	q := &scriptedQuerier{answers: map[identity.PeerID][]routing.PeerInfo{
		p1.ID:     {closer},
		p2.ID:     nil,
		closer.ID: {{ID: target}},
	}}

	res := Lookup(context.Background(), tab, q, target, LookupConfig{})
	require.True(t, res.Found, "asked %d peers", len(q.asked))
	assert.Equal(t, target, res.Target.ID)
	assert.Contains(t, q.asked, closer.ID)
	assert.False(t, tab.observed[dead.ID])
}

func TestLookupQueriesEveryClosestCandidate(t *testing.T) {
	net, ids := newSimNetwork(t, 64)
	tab := &recordingTable{
		self:     randomID(t),
		peers:    []routing.PeerInfo{{ID: ids[0]}},
		observed: map[identity.PeerID]bool{},
	}

	res := Lookup(context.Background(), tab, net, tab.self, LookupConfig{K: 20})
	require.Len(t, res.Peers, 20)
	net.mu.Lock()
	defer net.mu.Unlock()
	for _, p := range res.Peers {
		assert.True(t, net.asked[p.ID], "closest candidate %s never queried", p.ID.ShortString())
		assert.True(t, tab.observed[p.ID])
	}
}

func TestLookupStampsWithInjectedClock(t *testing.T) {
	net, ids := newSimNetwork(t, 16)
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	tab := &recordingTable{
		self:     randomID(t),
		peers:    []routing.PeerInfo{{ID: ids[0]}},
		observed: map[identity.PeerID]bool{},
	}

	Lookup(context.Background(), tab, net, tab.self, LookupConfig{Clock: mock})
	tab.mu.Lock()
	defer tab.mu.Unlock()
	require.NotEmpty(t, tab.last)
	for _, p := range tab.last {
		assert.True(t, p.LastSeen.Equal(mock.Now()), "LastSeen %v", p.LastSeen)
	}
}
