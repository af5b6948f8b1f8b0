// Package router carries application messages over attached peer links:
// request/response with query ids, one-way sends and TTL-bounded gossip.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/metrics"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

var (
	ErrQueryTimeout     = errors.New("router: query timed out")
	ErrRemote           = errors.New("router: remote error")
	ErrPeerNotConnected = errors.New("router: peer not connected")
	ErrNoHandler        = errors.New("router: no handler for message type")
	ErrClosed           = errors.New("router: closed")
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultBroadcastTTL   = 6
	DefaultDedupSize      = 4096
	DefaultDedupTTL       = 10 * time.Minute
	DefaultInboundBuffer  = 256
	DefaultSendQueue      = 64
	DefaultMaxInflight    = 64
)

// Handler serves one request type; the returned body is sent back with the
// request's query id. A returned error reaches the caller as ErrRemote.
type Handler func(ctx context.Context, from identity.PeerID, m protocol.Message) ([]byte, error)

// Delivery is a Custom or Broadcast payload handed to the application.
type Delivery struct {
	Type protocol.MessageType
	// From is the neighbour the message arrived on, Origin the peer that created it.
	From    identity.PeerID
	Origin  identity.PeerID
	Payload []byte
	// ID is set for broadcasts.
	ID protocol.BroadcastID
}

type Config struct {
	Self           identity.PeerID
	RequestTimeout time.Duration
	BroadcastTTL   uint8
	DedupSize      int
	DedupTTL       time.Duration
	InboundBuffer  int
	SendQueue      int
	// MaxInflight bounds concurrently running handlers across all links.
	MaxInflight int
	// OnDetach runs after a link is gone; err is nil on a clean close.
	OnDetach func(peer identity.PeerID, err error)
	// OnMessage runs on the read pump for every decoded inbound message,
	// replies included, before it is dispatched. It must not block.
	OnMessage func(peer identity.PeerID)

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BroadcastTTL == 0 {
		c.BroadcastTTL = DefaultBroadcastTTL
	}
	if c.DedupSize <= 0 {
		c.DedupSize = DefaultDedupSize
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = DefaultInboundBuffer
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

type Router struct {
	cfg Config
	log *logrus.Entry

	mu       sync.RWMutex
	links    map[identity.PeerID]*link
	handlers map[protocol.MessageType]Handler
	closed   bool

	pending  *pendingSet
	inflight *semaphore.Weighted
	inbound  chan Delivery

	seenMu sync.Mutex
	seen   *expirable.LRU[protocol.BroadcastID, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Router {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		log:      cfg.Log.WithField("component", "router"),
		links:    map[identity.PeerID]*link{},
		handlers: map[protocol.MessageType]Handler{},
		pending:  newPendingSet(),
		inflight: semaphore.NewWeighted(int64(cfg.MaxInflight)),
		inbound:  make(chan Delivery, cfg.InboundBuffer),
		seen:     expirable.NewLRU[protocol.BroadcastID, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers h for request type t, replacing any previous handler.
func (r *Router) Handle(t protocol.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Inbound delivers Custom messages and first receipts of broadcasts. It is
// closed by Close.
func (r *Router) Inbound() <-chan Delivery {
	return r.inbound
}

// Attach starts the pumps for l. An existing link to the same peer is replaced.
func (r *Router) Attach(l Link) error {
	nl := newLink(l, r.cfg.SendQueue, r.log)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.links[nl.peer]
	r.links[nl.peer] = nl
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	go r.run(nl)
	nl.log.Debug("link attached")
	return nil
}

// Detach closes the link to peer, if any.
func (r *Router) Detach(peer identity.PeerID) {
	if l, ok := r.link(peer); ok {
		l.close()
	}
}

func (r *Router) link(peer identity.PeerID) (*link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[peer]
	return l, ok
}

// Connected reports whether a link to peer is attached.
func (r *Router) Connected(peer identity.PeerID) bool {
	_, ok := r.link(peer)
	return ok
}

// Peers lists the peers with an attached link.
func (r *Router) Peers() []identity.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]identity.PeerID, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	return out
}

func (r *Router) run(l *link) {
	defer r.wg.Done()
	werr := make(chan error, 1)
	go func() {
		err := l.writePump()
		l.close()
		werr <- err
	}()

	err := r.readPump(l)
	l.close()
	if wErr := <-werr; err == nil {
		err = wErr
	}
	r.detach(l, err)
}

func (r *Router) detach(l *link, err error) {
	r.mu.Lock()
	current := r.links[l.peer] == l
	if current {
		delete(r.links, l.peer)
	}
	r.mu.Unlock()
	if !current {
		return
	}
	r.pending.failPeer(l.peer, fmt.Errorf("%w: %s", ErrPeerNotConnected, l.peer.ShortString()))

	entry := l.log
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("link detached")
	if r.cfg.OnDetach != nil {
		r.cfg.OnDetach(l.peer, err)
	}
}

// readPump returns nil when the link closed normally and a protocol
// violation error when the peer misbehaved.
func (r *Router) readPump(l *link) error {
	for {
		f, err := transport.ReadFrame(l.Link)
		if err != nil {
			if errors.Is(err, transport.ErrProtocolViolation) {
				l.log.WithError(err).Warn("invalid frame, closing link")
				return err
			}
			select {
			case <-l.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", transport.ErrTransport, err)
		}
		m, err := protocol.DecodeMessage(f)
		if err != nil {
			l.log.WithError(err).Warn("malformed message, closing link")
			r.cfg.Metrics.Message("in", "malformed")
			return err
		}
		r.cfg.Metrics.Message("in", m.Type.String())
		if r.cfg.OnMessage != nil {
			r.cfg.OnMessage(l.peer)
		}
		if err := r.dispatch(l, m); err != nil {
			l.log.WithError(err).Warn("protocol violation, closing link")
			return err
		}
	}
}

func (r *Router) dispatch(l *link, m protocol.Message) error {
	switch {
	case m.Type.IsReply():
		if !r.pending.resolve(l.peer, m) {
			l.log.WithField("type", m.Type.String()).Debug("unsolicited reply dropped")
		}
		return nil
	case m.Type == protocol.MessageTypeBroadcast:
		return r.handleBroadcast(l, m.Body)
	case m.Type == protocol.MessageTypeCustom:
		r.deliver(Delivery{Type: m.Type, From: l.peer, Origin: l.peer, Payload: m.Body})
		return nil
	}

	if err := r.inflight.Acquire(r.ctx, 1); err != nil {
		return nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Release(1)
		r.serve(l, m)
	}()
	return nil
}

func (r *Router) serve(l *link, m protocol.Message) {
	r.mu.RLock()
	h := r.handlers[m.Type]
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RequestTimeout)
	defer cancel()

	var reply protocol.Message
	if h == nil {
		reply = protocol.ErrorMessage(m.Type.ReplyType(), m.QueryID, fmt.Errorf("%w %s", ErrNoHandler, m.Type))
	} else if body, err := h(ctx, l.peer, m); err != nil {
		reply = protocol.ErrorMessage(m.Type.ReplyType(), m.QueryID, err)
	} else {
		reply = protocol.Message{Type: m.Type.ReplyType(), QueryID: m.QueryID, Body: body}
	}
	if m.QueryID == uuid.Nil {
		return
	}
	if err := l.enqueue(ctx, reply); err != nil {
		l.log.WithError(err).Debug("reply not sent")
		return
	}
	r.cfg.Metrics.Message("out", reply.Type.String())
}

func (r *Router) deliver(d Delivery) {
	select {
	case r.inbound <- d:
	default:
		r.cfg.Metrics.Dropped("inbound")
		r.log.WithFields(logrus.Fields{
			"type": d.Type.String(),
			"from": d.From.ShortString(),
		}).Debug("inbound queue full, delivery dropped")
	}
}

// Request sends a request of type t and waits for its reply. A context
// without deadline gets RequestTimeout.
func (r *Router) Request(ctx context.Context, peer identity.PeerID, t protocol.MessageType, body []byte) (protocol.Message, error) {
	if t.ReplyType() == 0 {
		return protocol.Message{}, fmt.Errorf("router: %s is not a request type", t)
	}
	l, ok := r.link(peer)
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrPeerNotConnected, peer.ShortString())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	id := uuid.New()
	q, cleanup := r.pending.register(id, peer)
	defer cleanup()

	if err := l.enqueue(ctx, protocol.Message{Type: t, QueryID: id, Body: body}); err != nil {
		return protocol.Message{}, r.queryErr(ctx, t, peer, err)
	}
	r.cfg.Metrics.Message("out", t.String())

	select {
	case m := <-q.reply:
		if m.IsError() {
			r.cfg.Metrics.Query("remote_error")
			return m, fmt.Errorf("%w: %s", ErrRemote, m.Body)
		}
		if m.Type != t.ReplyType() {
			r.cfg.Metrics.Query("failed")
			return m, fmt.Errorf("%w: %s answered with %s", transport.ErrProtocolViolation, t, m.Type)
		}
		r.cfg.Metrics.Query("ok")
		return m, nil
	case err := <-q.err:
		r.cfg.Metrics.Query("failed")
		return protocol.Message{}, err
	case <-ctx.Done():
		return protocol.Message{}, r.queryErr(ctx, t, peer, ctx.Err())
	}
}

func (r *Router) queryErr(ctx context.Context, t protocol.MessageType, peer identity.PeerID, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		r.cfg.Metrics.Query("timeout")
		return fmt.Errorf("%w: %s to %s", ErrQueryTimeout, t, peer.ShortString())
	}
	r.cfg.Metrics.Query("failed")
	return err
}

// Send delivers a one-way message; no reply is expected.
func (r *Router) Send(ctx context.Context, peer identity.PeerID, t protocol.MessageType, body []byte) error {
	l, ok := r.link(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peer.ShortString())
	}
	if err := l.enqueue(ctx, protocol.Message{Type: t, Body: body}); err != nil {
		return err
	}
	r.cfg.Metrics.Message("out", t.String())
	return nil
}

// Close detaches every link, fails outstanding requests and closes Inbound.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	r.cancel()
	for _, l := range links {
		l.close()
	}
	r.wg.Wait()
	close(r.inbound)
	r.log.Debug("router closed")
	return nil
}
