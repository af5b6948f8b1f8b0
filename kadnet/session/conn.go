package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/yamux"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

// DefaultStreamWindow is the per-stream flow-control window.
const DefaultStreamWindow = 256 * 1024

// MuxConfig tunes the stream multiplexer.
type MuxConfig struct {
	StreamWindow uint32
	KeepAlive    time.Duration
}

func yamuxConfig(mc MuxConfig) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.AcceptBacklog = 256
	cfg.EnableKeepAlive = mc.KeepAlive > 0
	if mc.KeepAlive > 0 {
		cfg.KeepAliveInterval = mc.KeepAlive
	}
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.MaxStreamWindowSize = DefaultStreamWindow
	if mc.StreamWindow > DefaultStreamWindow {
		cfg.MaxStreamWindowSize = mc.StreamWindow
	}
	cfg.LogOutput = io.Discard
	return cfg
}

// Conn is an established connection: a SecureConn with a yamux session on top.
type Conn struct {
	secure *SecureConn
	mux    *yamux.Session
	clock  clock.Clock

	state        atomic.Int32
	lastActivity atomic.Int64
	established  time.Time

	closeOnce sync.Once
	closeErr  error
}

func newConn(sc *SecureConn, mc MuxConfig, clk clock.Clock) (*Conn, error) {
	var (
		mux *yamux.Session
		err error
	)
	if sc.Initiator() {
		mux, err = yamux.Client(sc, yamuxConfig(mc))
	} else {
		mux, err = yamux.Server(sc, yamuxConfig(mc))
	}
	if err != nil {
		return nil, err
	}
	c := &Conn{secure: sc, mux: mux, clock: clk, established: clk.Now()}
	c.state.Store(int32(StateEstablished))
	c.touch()
	return c, nil
}

func (c *Conn) RemotePeer() identity.PeerID { return c.secure.RemotePeer() }
func (c *Conn) LocalPeer() identity.PeerID  { return c.secure.LocalPeer() }

// RemoteAddrs are the remote's signed listen addresses.
func (c *Conn) RemoteAddrs() []transport.Address { return c.secure.RemoteAddrs() }

func (c *Conn) Initiator() bool { return c.secure.Initiator() }

// RemoteAddr is the carrier-level address of the remote end.
func (c *Conn) RemoteAddr() net.Addr { return c.secure.RemoteAddr() }

// InitiatorID is the PeerID of the side that opened the connection.
func (c *Conn) InitiatorID() identity.PeerID {
	if c.Initiator() {
		return c.LocalPeer()
	}
	return c.RemotePeer()
}

func (c *Conn) State() State {
	if s := State(c.state.Load()); s != StateEstablished || !c.mux.IsClosed() {
		return s
	}
	return StateClosed
}

func (c *Conn) EstablishedAt() time.Time { return c.established }

// LastActivity is the last time application data crossed any stream.
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *Conn) touch() { c.lastActivity.Store(c.clock.Now().UnixNano()) }

// Done is closed once the connection is torn down, locally or by the remote.
func (c *Conn) Done() <-chan struct{} { return c.mux.CloseChan() }

func (c *Conn) IsClosed() bool { return c.mux.IsClosed() }

type streamResult struct {
	s   *yamux.Stream
	err error
}

// OpenStream opens a new multiplexed stream.
func (c *Conn) OpenStream(ctx context.Context) (*Stream, error) {
	res := make(chan streamResult, 1)
	go func() {
		s, err := c.mux.OpenStream()
		res <- streamResult{s, err}
	}()
	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("%w: open stream: %w", ErrClosed, r.err)
		}
		c.touch()
		return &Stream{Stream: r.s, conn: c}, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// AcceptStream waits for the remote to open a stream.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	res := make(chan streamResult, 1)
	go func() {
		s, err := c.mux.AcceptStream()
		res <- streamResult{s, err}
	}()
	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("%w: accept stream: %w", ErrClosed, r.err)
		}
		c.touch()
		return &Stream{Stream: r.s, conn: c}, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeErr = c.mux.Close()
		if err := c.secure.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}

// Stream is one flow-controlled, independently closable stream of a Conn.
type Stream struct {
	*yamux.Stream
	conn *Conn
}

func (s *Stream) ID() uint32 { return s.Stream.StreamID() }

func (s *Stream) Conn() *Conn { return s.conn }

// RemotePeer lets a stream serve as a router link.
func (s *Stream) RemotePeer() identity.PeerID { return s.conn.RemotePeer() }

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if n > 0 {
		s.conn.touch()
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	if n > 0 {
		s.conn.touch()
	}
	return n, err
}
