// Package ws carries kadnet channels as binary WebSocket messages.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/kadnet/kadnet/transport"
)

// Path is the HTTP endpoint the upgrade is served on.
const Path = "/kadnet"

const (
	acceptBacklog = 16
	bufferSize    = 32 << 10
)

type Transport struct {
	KeepAlive time.Duration
	Log       *logrus.Entry
}

func New(log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{KeepAlive: transport.DefaultKeepAlive, Log: log.WithField("transport", transport.SchemeWS)}
}

func (t *Transport) Scheme() string { return transport.SchemeWS }

func (t *Transport) Dial(ctx context.Context, addr transport.Address) (transport.Channel, error) {
	d := websocket.Dialer{
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	wc, resp, err := d.DialContext(ctx, "ws://"+addr.HostPort()+Path, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, transport.Errorf("dial", addr, err)
	}
	return newConn(wc, t.KeepAlive), nil
}

func (t *Transport) Listen(addr transport.Address) (transport.Listener, error) {
	ln, err := net.Listen("tcp", addr.HostPort())
	if err != nil {
		return nil, transport.Errorf("listen", addr, err)
	}
	bound, err := transport.AddressFromNet(transport.SchemeWS, ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, transport.Errorf("listen", addr, err)
	}
	l := &listener{
		addr:  bound,
		ready: make(chan transport.Channel, acceptBacklog),
		done:  make(chan struct{}),
		log:   t.Log,
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  bufferSize,
		WriteBufferSize: bufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		c := newConn(wc, t.KeepAlive)
		select {
		case l.ready <- c:
		case <-l.done:
			_ = c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.WithError(err).Warn("websocket server stopped")
		}
	}()
	return l, nil
}

type listener struct {
	addr  transport.Address
	srv   *http.Server
	ready chan transport.Channel
	done  chan struct{}
	once  sync.Once
	log   *logrus.Entry
}

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() transport.Address { return l.addr }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

// conn adapts message-oriented websocket I/O to a byte stream.
type conn struct {
	ws *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex

	done chan struct{}
	once sync.Once
}

func newConn(wc *websocket.Conn, keepAlive time.Duration) *conn {
	c := &conn{ws: wc, done: make(chan struct{})}
	if keepAlive > 0 {
		go c.pingLoop(keepAlive)
	}
	return c
}

func (c *conn) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(every)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
