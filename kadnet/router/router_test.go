package router

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

type pipeLink struct {
	net.Conn
	peer identity.PeerID
}

func (p pipeLink) RemotePeer() identity.PeerID { return p.peer }

type testNode struct {
	*Router
	id identity.PeerID

	mu       sync.Mutex
	detached map[identity.PeerID]error
}

func newNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	n := &testNode{id: kp.PeerID(), detached: map[identity.PeerID]error{}}
	cfg.Self = n.id
	cfg.OnDetach = func(peer identity.PeerID, err error) {
		n.mu.Lock()
		n.detached[peer] = err
		n.mu.Unlock()
	}
	n.Router = New(cfg)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func (n *testNode) detachErr(peer identity.PeerID) (error, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	err, ok := n.detached[peer]
	return err, ok
}

func linkNodes(t *testing.T, a, b *testNode) {
	t.Helper()
	ca, cb := net.Pipe()
	require.NoError(t, a.Attach(pipeLink{Conn: ca, peer: b.id}))
	require.NoError(t, b.Attach(pipeLink{Conn: cb, peer: a.id}))
}

func TestRequestResponse(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{})
	linkNodes(t, a, b)

	b.Handle(protocol.MessageTypeRequest, func(ctx context.Context, from identity.PeerID, m protocol.Message) ([]byte, error) {
		assert.Equal(t, a.id, from)
		return []byte(strings.ToUpper(string(m.Body))), nil
	})

	resp, err := a.Request(context.Background(), b.id, protocol.MessageTypeRequest, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeResponse, resp.Type)
	assert.Equal(t, "PING", string(resp.Body))

	big := []byte(strings.Repeat("kadnet ", 20000))
	resp, err = a.Request(context.Background(), b.id, protocol.MessageTypeRequest, big)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(string(big)), string(resp.Body))
	assert.Zero(t, a.pending.len())
}

func TestRequestErrors(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{})
	linkNodes(t, a, b)

	b.Handle(protocol.MessageTypeStore, func(context.Context, identity.PeerID, protocol.Message) ([]byte, error) {
		return nil, errors.New("disk full")
	})
	_, err := a.Request(context.Background(), b.id, protocol.MessageTypeStore, []byte("k"))
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "disk full")

	_, err = a.Request(context.Background(), b.id, protocol.MessageTypeFindValue, []byte("k"))
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "no handler")

	_, err = a.Request(context.Background(), a.id, protocol.MessageTypeRequest, nil)
	require.ErrorIs(t, err, ErrPeerNotConnected)

	_, err = a.Request(context.Background(), b.id, protocol.MessageTypeCustom, nil)
	require.Error(t, err)
}

func TestRequestTimeout(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{})
	linkNodes(t, a, b)
	b.Handle(protocol.MessageTypeRequest, func(ctx context.Context, _ identity.PeerID, _ protocol.Message) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Request(ctx, b.id, protocol.MessageTypeRequest, nil)
	require.ErrorIs(t, err, ErrQueryTimeout)
	assert.Zero(t, a.pending.len())

	a2 := newNode(t, Config{RequestTimeout: 50 * time.Millisecond})
	linkNodes(t, a2, b)
	_, err = a2.Request(context.Background(), b.id, protocol.MessageTypeRequest, nil)
	require.ErrorIs(t, err, ErrQueryTimeout)
}

func TestDetachFailsPendingRequests(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{})
	linkNodes(t, a, b)
	started := make(chan struct{})
	b.Handle(protocol.MessageTypeRequest, func(ctx context.Context, _ identity.PeerID, _ protocol.Message) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), b.id, protocol.MessageTypeRequest, nil)
		errc <- err
	}()
	<-started
	b.Detach(a.id)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrPeerNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("request not failed after detach")
	}
	require.Eventually(t, func() bool { return !a.Connected(b.id) }, time.Second, 5*time.Millisecond)
	err, ok := a.detachErr(b.id)
	require.True(t, ok)
	assert.NoError(t, err)
}

func TestSendDeliversCustom(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{})
	linkNodes(t, a, b)

	require.NoError(t, a.Send(context.Background(), b.id, protocol.MessageTypeCustom, []byte("hello")))
	select {
	case d := <-b.Inbound():
		assert.Equal(t, protocol.MessageTypeCustom, d.Type)
		assert.Equal(t, a.id, d.From)
		assert.Equal(t, a.id, d.Origin)
		assert.Equal(t, "hello", string(d.Payload))
	case <-time.After(time.Second):
		t.Fatal("custom message not delivered")
	}
}

func TestInboundOverflowDropsNewest(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{InboundBuffer: 1})
	linkNodes(t, a, b)
	b.Handle(protocol.MessageTypePing, func(context.Context, identity.PeerID, protocol.Message) ([]byte, error) {
		return nil, nil
	})

	for _, p := range []string{"first", "second", "third"} {
		require.NoError(t, a.Send(context.Background(), b.id, protocol.MessageTypeCustom, []byte(p)))
	}
	// frames are read in order, so the pong proves the customs were processed
	_, err := a.Request(context.Background(), b.id, protocol.MessageTypePing, nil)
	require.NoError(t, err)

	require.Len(t, b.Inbound(), 1)
	d := <-b.Inbound()
	assert.Equal(t, "first", string(d.Payload))
	assert.True(t, b.Connected(a.id), "overflow must not close the link")
}

func TestMalformedFrameClosesLink(t *testing.T) {
	a := newNode(t, Config{})
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	peer := kp.PeerID()

	ca, cb := net.Pipe()
	require.NoError(t, a.Attach(pipeLink{Conn: ca, peer: peer}))
	go func() {
		_ = transport.WriteFrame(cb, transport.Frame{Type: byte(protocol.MessageTypeRequest), Payload: []byte{0}})
	}()

	require.Eventually(t, func() bool { return !a.Connected(peer) }, time.Second, 5*time.Millisecond)
	err, ok := a.detachErr(peer)
	require.True(t, ok)
	require.ErrorIs(t, err, transport.ErrProtocolViolation)
	_ = cb.Close()
}

func TestForgedBroadcastClosesLink(t *testing.T) {
	a := newNode(t, Config{})
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	ca, cb := net.Pipe()
	require.NoError(t, a.Attach(pipeLink{Conn: ca, peer: kp.PeerID()}))

	b := protocol.Broadcast{Origin: kp.PeerID(), Nonce: 1, TTL: 2, Payload: []byte("x")}
	b.ID = protocol.NewBroadcastID([]byte("y"), b.Origin, b.Nonce)
	f, err := protocol.EncodeMessage(protocol.Message{Type: protocol.MessageTypeBroadcast, Body: protocol.EncodeBroadcast(b)})
	require.NoError(t, err)
	go func() { _ = transport.WriteFrame(cb, f) }()

	require.Eventually(t, func() bool { return !a.Connected(kp.PeerID()) }, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.Inbound())
	_ = cb.Close()
}

func TestAttachReplacesExistingLink(t *testing.T) {
	a, b := newNode(t, Config{}), newNode(t, Config{})
	linkNodes(t, a, b)
	linkNodes(t, a, b)
	assert.Len(t, a.Peers(), 1)

	b.Handle(protocol.MessageTypePing, func(context.Context, identity.PeerID, protocol.Message) ([]byte, error) {
		return []byte("pong"), nil
	})
	resp, err := a.Request(context.Background(), b.id, protocol.MessageTypePing, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Body))
}

func TestCloseRejectsAttach(t *testing.T) {
	a := newNode(t, Config{})
	require.NoError(t, a.Close())
	ca, cb := net.Pipe()
	defer cb.Close()
	require.ErrorIs(t, a.Attach(pipeLink{Conn: ca, peer: identity.PeerID{1}}), ErrClosed)
	_, open := <-a.Inbound()
	assert.False(t, open)
}

func TestOnMessageSeesRequestsAndReplies(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]identity.PeerID{}
	record := func(side string) func(identity.PeerID) {
		return func(peer identity.PeerID) {
			mu.Lock()
			seen[side] = append(seen[side], peer)
			mu.Unlock()
		}
	}
	a := newNode(t, Config{OnMessage: record("a")})
	b := newNode(t, Config{OnMessage: record("b")})
	linkNodes(t, a, b)
	b.Handle(protocol.MessageTypeRequest, func(_ context.Context, _ identity.PeerID, m protocol.Message) ([]byte, error) {
		return m.Body, nil
	})

	_, err := a.Request(context.Background(), b.id, protocol.MessageTypeRequest, []byte("x"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []identity.PeerID{a.id}, seen["b"], "request observed by the server")
	assert.Equal(t, []identity.PeerID{b.id}, seen["a"], "reply observed by the client")
}
