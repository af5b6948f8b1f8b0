package router

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

// Link is an authenticated, ordered byte stream to one peer, normally the
// control stream of a session.Conn.
type Link interface {
	io.ReadWriteCloser
	RemotePeer() identity.PeerID
}

// link owns the pumps of one attached Link.
type link struct {
	Link
	peer identity.PeerID
	out  chan transport.Frame
	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

func newLink(l Link, queue int, log *logrus.Entry) *link {
	return &link{
		Link: l,
		peer: l.RemotePeer(),
		out:  make(chan transport.Frame, queue),
		done: make(chan struct{}),
		log:  log.WithField("peer", l.RemotePeer().ShortString()),
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.Link.Close()
		// Close may only half-close a stream; unblock the read pump too.
		if d, ok := l.Link.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now())
		}
	})
}

func (l *link) enqueue(ctx context.Context, m protocol.Message) error {
	f, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	select {
	case l.out <- f:
		return nil
	case <-l.done:
		return ErrPeerNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue never blocks; a full queue drops the message.
func (l *link) tryEnqueue(m protocol.Message) bool {
	f, err := protocol.EncodeMessage(m)
	if err != nil {
		return false
	}
	select {
	case l.out <- f:
		return true
	case <-l.done:
		return false
	default:
		return false
	}
}

func (l *link) writePump() error {
	for {
		select {
		case <-l.done:
			return nil
		case f := <-l.out:
			if err := transport.WriteFrame(l.Link, f); err != nil {
				return err
			}
		}
	}
}
