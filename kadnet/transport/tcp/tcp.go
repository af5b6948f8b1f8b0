// Package tcp is the plain TCP carrier.
package tcp

import (
	"context"
	"net"
	"time"

	"github.com/TheusHen/kadnet/kadnet/transport"
)

type Transport struct {
	KeepAlive time.Duration
}

func New() *Transport {
	return &Transport{KeepAlive: transport.DefaultKeepAlive}
}

func (t *Transport) Scheme() string { return transport.SchemeTCP }

func (t *Transport) Dial(ctx context.Context, addr transport.Address) (transport.Channel, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	c, err := d.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, transport.Errorf("dial", addr, err)
	}
	return c, nil
}

func (t *Transport) Listen(addr transport.Address) (transport.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", addr.HostPort())
	if err != nil {
		return nil, transport.Errorf("listen", addr, err)
	}
	bound, err := transport.AddressFromNet(transport.SchemeTCP, ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, transport.Errorf("listen", addr, err)
	}
	return &listener{inner: ln, addr: bound, done: make(chan struct{})}, nil
}

type listener struct {
	inner net.Listener
	addr  transport.Address
	done  chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Accept unblocks on ctx by racing the blocking net.Listener.Accept.
func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	res := make(chan acceptResult, 1)
	go func() {
		c, err := l.inner.Accept()
		res <- acceptResult{c, err}
	}()
	select {
	case r := <-res:
		if r.err != nil {
			select {
			case <-l.done:
				return nil, transport.ErrListenerClosed
			default:
			}
			return nil, transport.Errorf("accept", l.addr, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() transport.Address { return l.addr }

func (l *listener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	return l.inner.Close()
}
