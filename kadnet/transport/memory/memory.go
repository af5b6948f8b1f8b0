// Package memory is an in-process carrier: listeners register in a Network and
// dials are served by net.Pipe pairs. It backs deterministic multi-node tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/TheusHen/kadnet/kadnet/transport"
)

var ErrNoListener = errors.New("memory: connection refused")

const firstEphemeralPort = 10000

// Network is one isolated loopback segment.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*listener
	nextPort  int
	nextConn  int
}

func NewNetwork() *Network {
	return &Network{listeners: map[string]*listener{}, nextPort: firstEphemeralPort}
}

// Transport returns a carrier bound to this network.
func (n *Network) Transport() *Transport { return &Transport{net: n} }

type Transport struct {
	net *Network
}

func (t *Transport) Scheme() string { return transport.SchemeMemory }

func (t *Transport) Listen(addr transport.Address) (transport.Listener, error) {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	addr.Scheme = transport.SchemeMemory
	if addr.Host == "" {
		addr.Host = "local"
	}
	if addr.Port == 0 {
		for {
			n.nextPort++
			addr.Port = n.nextPort
			if _, taken := n.listeners[addr.HostPort()]; !taken {
				break
			}
		}
	}
	key := addr.HostPort()
	if _, taken := n.listeners[key]; taken {
		return nil, transport.Errorf("listen", addr, fmt.Errorf("address in use"))
	}
	l := &listener{net: n, addr: addr, queue: make(chan net.Conn), done: make(chan struct{})}
	n.listeners[key] = l
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, addr transport.Address) (transport.Channel, error) {
	n := t.net
	n.mu.Lock()
	l, ok := n.listeners[addr.HostPort()]
	n.nextConn++
	local := transport.Address{Scheme: transport.SchemeMemory, Host: fmt.Sprintf("conn-%d", n.nextConn)}
	n.mu.Unlock()
	if !ok {
		return nil, transport.Errorf("dial", addr, ErrNoListener)
	}

	client, server := net.Pipe()
	select {
	case l.queue <- &conn{Conn: server, local: addr, remote: local}:
		return &conn{Conn: client, local: local, remote: addr}, nil
	case <-l.done:
		_ = client.Close()
		_ = server.Close()
		return nil, transport.Errorf("dial", addr, ErrNoListener)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, transport.Errorf("dial", addr, ctx.Err())
	}
}

type listener struct {
	net   *Network
	addr  transport.Address
	queue chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case c := <-l.queue:
		return c, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() transport.Address { return l.addr }

func (l *listener) Close() error {
	l.once.Do(func() {
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr.HostPort())
		l.net.mu.Unlock()
		close(l.done)
	})
	return nil
}

type conn struct {
	net.Conn
	local, remote transport.Address
}

func (c *conn) LocalAddr() net.Addr  { return addr(c.local) }
func (c *conn) RemoteAddr() net.Addr { return addr(c.remote) }

type addr transport.Address

func (a addr) Network() string { return transport.SchemeMemory }
func (a addr) String() string  { return transport.Address(a).HostPort() }
