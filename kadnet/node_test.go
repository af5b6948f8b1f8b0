package kadnet

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
	"github.com/TheusHen/kadnet/kadnet/transport/memory"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestNode(t *testing.T, mn *memory.Network, name string, mod func(*Config)) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"mem://" + name + ":1"}
	cfg.Transports = []transport.Transport{mn.Transport()}
	cfg.Logger = quietLogger()
	cfg.LAN.Group = ""
	if mod != nil {
		mod(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, n.Shutdown(ctx))
	})
	return n
}

func connect(t *testing.T, from, to *Node) {
	t.Helper()
	info, err := from.Connect(context.Background(), to.Addrs()[0])
	require.NoError(t, err)
	require.Equal(t, to.ID(), info.ID)
}

func knows(n *Node, id identity.PeerID) bool {
	for _, p := range n.Peers() {
		if p.ID == id {
			return true
		}
	}
	return false
}

func lastSeen(n *Node, id identity.PeerID) time.Time {
	for _, p := range n.Peers() {
		if p.ID == id {
			return p.LastSeen
		}
	}
	return time.Time{}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

func TestNodesOnOneSegmentDiscoverEachOther(t *testing.T) {
	mn := memory.NewNetwork()
	pa, pb := freeUDPPort(t), freeUDPPort(t)
	const interval = 200 * time.Millisecond
	lanCfg := func(port, peer int) func(*Config) {
		return func(c *Config) {
			c.LAN = LANConfig{
				Enabled:  true,
				Port:     port,
				Interval: interval,
				Targets:  []string{"127.0.0.1:" + strconv.Itoa(peer)},
			}
		}
	}
	a := newTestNode(t, mn, "lan-a", lanCfg(pa, pb))
	b := newTestNode(t, mn, "lan-b", lanCfg(pb, pa))

	require.Eventually(t, func() bool {
		return knows(a, b.ID()) && knows(b, a.ID())
	}, 2*interval+time.Second, 10*time.Millisecond)

	b.HandleRequest(func(_ context.Context, from identity.PeerID, payload []byte) ([]byte, error) {
		if from != a.ID() {
			return nil, fmt.Errorf("unexpected sender %s", from.ShortString())
		}
		return []byte(strings.ToUpper(string(payload))), nil
	})
	resp, err := a.SendDirect(context.Background(), b.ID(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(resp))
}

func collectBroadcasts(nodes []*Node) func(n *Node, id protocol.BroadcastID) int {
	var mu sync.Mutex
	counts := map[identity.PeerID]map[protocol.BroadcastID]int{}
	for _, n := range nodes {
		n := n
		counts[n.ID()] = map[protocol.BroadcastID]int{}
		go func() {
			for d := range n.Incoming() {
				if d.Type == protocol.MessageTypeBroadcast {
					mu.Lock()
					counts[n.ID()][d.ID]++
					mu.Unlock()
				}
			}
		}()
	}
	return func(n *Node, id protocol.BroadcastID) int {
		mu.Lock()
		defer mu.Unlock()
		return counts[n.ID()][id]
	}
}

func TestBroadcastReachesRingOnce(t *testing.T) {
	mn := memory.NewNetwork()
	nodes := make([]*Node, 6)
	for i := range nodes {
		nodes[i] = newTestNode(t, mn, fmt.Sprintf("ring-%d", i), func(c *Config) { c.BroadcastTTL = 3 })
	}
	for i := range nodes {
		connect(t, nodes[i], nodes[(i+1)%len(nodes)])
	}
	count := collectBroadcasts(nodes)

	id, err := nodes[0].Broadcast(context.Background(), []byte("block"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range nodes[1:] {
			if count(n, id) == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, count(nodes[0], id))
	for i, n := range nodes[1:] {
		assert.Equal(t, 1, count(n, id), "node %d", i+1)
	}
}

func TestConnectReturnsOnceRemoteAttached(t *testing.T) {
	mn := memory.NewNetwork()
	hub := newTestNode(t, mn, "attach-hub", nil)
	for i := 0; i < 8; i++ {
		n := newTestNode(t, mn, fmt.Sprintf("attach-%d", i), nil)
		connect(t, n, hub)
		require.Contains(t, hub.Connected(), n.ID(), "dialer %d", i)
	}
}

func TestInboundTrafficRefreshesRoutingEntry(t *testing.T) {
	mn := memory.NewNetwork()
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	mod := func(c *Config) {
		c.Clock = mock
		c.IdleTimeout = 0
		c.RefreshInterval = 24 * time.Hour
	}
	a := newTestNode(t, mn, "fresh-a", mod)
	b := newTestNode(t, mn, "fresh-b", mod)
	a.HandleRequest(func(_ context.Context, _ identity.PeerID, payload []byte) ([]byte, error) {
		return payload, nil
	})
	connect(t, b, a)
	require.Eventually(t, func() bool {
		return knows(a, b.ID()) && knows(b, a.ID())
	}, time.Second, 10*time.Millisecond)

	mock.Add(10 * time.Minute)
	want := mock.Now()
	require.True(t, lastSeen(a, b.ID()).Before(want))

	for i := 0; i < 3; i++ {
		_, err := b.SendDirect(context.Background(), a.ID(), []byte("hi"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return lastSeen(a, b.ID()).Equal(want) && lastSeen(b, a.ID()).Equal(want)
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownDuringInboundConnect(t *testing.T) {
	mn := memory.NewNetwork()
	a := newTestNode(t, mn, "race-a", nil)
	for i := 0; i < 10; i++ {
		b := newTestNode(t, mn, fmt.Sprintf("race-b%d", i), nil)
		addr := b.Addrs()[0]
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = a.Connect(context.Background(), addr)
		}()
		require.NoError(t, b.Shutdown(context.Background()))
		<-done
		_, err := b.Connect(context.Background(), a.Addrs()[0])
		require.ErrorIs(t, err, ErrShutdown)
	}
}

func TestSendDirectFindsPeerThroughLookup(t *testing.T) {
	mn := memory.NewNetwork()
	a := newTestNode(t, mn, "line-a", nil)
	b := newTestNode(t, mn, "line-b", nil)
	c := newTestNode(t, mn, "line-c", nil)
	connect(t, a, b)
	connect(t, c, b)
	require.Eventually(t, func() bool { return knows(b, c.ID()) }, time.Second, 10*time.Millisecond)

	c.HandleRequest(func(_ context.Context, _ identity.PeerID, payload []byte) ([]byte, error) {
		return append([]byte("c:"), payload...), nil
	})
	resp, err := a.SendDirect(context.Background(), c.ID(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "c:x", string(resp))
	require.Eventually(t, func() bool { return knows(a, c.ID()) }, time.Second, 10*time.Millisecond)

	_, err = a.SendDirect(context.Background(), identity.PeerID{0xff}, nil)
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSendDeliversCustomMessage(t *testing.T) {
	mn := memory.NewNetwork()
	a := newTestNode(t, mn, "custom-a", nil)
	b := newTestNode(t, mn, "custom-b", nil)
	connect(t, a, b)

	require.NoError(t, a.Send(context.Background(), b.ID(), []byte("note")))
	select {
	case d := <-b.Incoming():
		assert.Equal(t, protocol.MessageTypeCustom, d.Type)
		assert.Equal(t, a.ID(), d.From)
		assert.Equal(t, "note", string(d.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("custom message not delivered")
	}

	_, err := b.SendDirect(context.Background(), a.ID(), nil)
	require.ErrorIs(t, err, ErrRemote, "no request handler installed")
}

func TestPutAndGetValue(t *testing.T) {
	mn := memory.NewNetwork()
	a := newTestNode(t, mn, "dht-a", nil)
	b := newTestNode(t, mn, "dht-b", nil)
	c := newTestNode(t, mn, "dht-c", nil)
	connect(t, a, b)
	connect(t, c, b)
	require.Eventually(t, func() bool { return knows(b, c.ID()) }, time.Second, 10*time.Millisecond)

	stored, err := a.PutValue(context.Background(), []byte("block/1"), []byte("payload"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored, 1)

	v, err := c.GetValue(context.Background(), []byte("block/1"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(v))

	_, err = c.GetValue(context.Background(), []byte("block/missing"))
	require.ErrorIs(t, err, ErrValueNotFound)
}

func TestDiscoverPeersThroughBootstrap(t *testing.T) {
	mn := memory.NewNetwork()
	seed := newTestNode(t, mn, "seed", nil)
	var others []*Node
	for i := 0; i < 4; i++ {
		others = append(others, newTestNode(t, mn, fmt.Sprintf("boot-%d", i), func(c *Config) {
			c.BootstrapAddrs = []string{"mem://seed:1"}
		}))
	}
	require.Eventually(t, func() bool { return len(seed.Peers()) == 4 }, 2*time.Second, 10*time.Millisecond)

	peers, err := others[0].DiscoverPeers(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(peers), 4, "seed plus the other bootstrapped nodes")
}

func TestNodeLifecycle(t *testing.T) {
	mn := memory.NewNetwork()
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"mem://life:1"}
	cfg.Transports = []transport.Transport{mn.Transport()}
	cfg.Logger = quietLogger()
	n, err := New(cfg)
	require.NoError(t, err)

	_, err = n.Connect(context.Background(), transport.MustParseAddress("mem://nobody:1"))
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = n.Broadcast(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	require.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, []string{"mem://life:1"}, transport.AddressStrings(n.Addrs()))

	_, err = n.Connect(context.Background(), transport.MustParseAddress("mem://nobody:1"))
	require.ErrorIs(t, err, ErrTransport)

	require.NoError(t, n.Shutdown(context.Background()))
	require.NoError(t, n.Shutdown(context.Background()))
	require.ErrorIs(t, n.Start(context.Background()), ErrShutdown)
	_, open := <-n.Incoming()
	assert.False(t, open)

	// the listen address is free again
	n2 := newTestNode(t, mn, "life", nil)
	assert.NotEqual(t, n.ID(), n2.ID())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"nonsense"}
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
