// Package quic carries kadnet channels over QUIC, one bidirectional stream per connection.
package quic

import (
	"context"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/kadnet/kadnet/transport"
)

const (
	defaultIdleTimeout = 60 * time.Second
	acceptBacklog      = 16
	// streamAcceptTimeout bounds how long an accepted connection may stay silent before
	// opening its channel stream.
	streamAcceptTimeout = 10 * time.Second
)

// Transport dials and listens on quic:// addresses.
type Transport struct {
	KeepAlive   time.Duration
	IdleTimeout time.Duration
	Log         *logrus.Entry
}

func New(log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		KeepAlive:   transport.DefaultKeepAlive,
		IdleTimeout: defaultIdleTimeout,
		Log:         log.WithField("transport", transport.SchemeQUIC),
	}
}

func (t *Transport) Scheme() string { return transport.SchemeQUIC }

func (t *Transport) config() *q.Config {
	return &q.Config{
		KeepAlivePeriod: t.KeepAlive,
		MaxIdleTimeout:  t.IdleTimeout,
	}
}

func (t *Transport) Dial(ctx context.Context, addr transport.Address) (transport.Channel, error) {
	conn, err := q.DialAddr(ctx, addr.HostPort(), dialerTLSConfig(), t.config())
	if err != nil {
		return nil, transport.Errorf("dial", addr, err)
	}
	// The peer sees this stream once the first byte is written.
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, transport.Errorf("dial", addr, err)
	}
	return &channel{conn: conn, Stream: stream}, nil
}

func (t *Transport) Listen(addr transport.Address) (transport.Listener, error) {
	tlsConf, err := listenerTLSConfig()
	if err != nil {
		return nil, transport.Errorf("listen", addr, err)
	}
	ln, err := q.ListenAddr(addr.HostPort(), tlsConf, t.config())
	if err != nil {
		return nil, transport.Errorf("listen", addr, err)
	}
	bound, err := transport.AddressFromNet(transport.SchemeQUIC, ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, transport.Errorf("listen", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		inner:  ln,
		addr:   bound,
		log:    t.Log,
		ready:  make(chan transport.Channel, acceptBacklog),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

type listener struct {
	inner *q.Listener
	addr  transport.Address
	log   *logrus.Entry

	ready  chan transport.Channel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (l *listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.inner.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.WithError(err).Warn("quic accept failed")
			}
			return
		}
		l.wg.Add(1)
		go l.awaitStream(conn)
	}
}

func (l *listener) awaitStream(conn q.Connection) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.ready <- &channel{conn: conn, Stream: stream}:
	case <-l.ctx.Done():
		_ = conn.CloseWithError(0, "listener closed")
	}
}

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case ch := <-l.ready:
		return ch, nil
	case <-l.ctx.Done():
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() transport.Address { return l.addr }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.inner.Close()
		l.wg.Wait()
		for {
			select {
			case ch := <-l.ready:
				_ = ch.Close()
			default:
				return
			}
		}
	})
	return err
}

// channel pairs a QUIC connection with its single stream.
type channel struct {
	q.Stream
	conn q.Connection
}

func (c *channel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *channel) Close() error {
	c.Stream.CancelRead(0)
	_ = c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}
