// Package transport defines the pluggable carrier abstraction kadnet runs on.
//
// A carrier only moves bytes: it dials and accepts duplex channels and keeps them
// alive. Length-prefixed framing lives here as well; message semantics do not.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var (
	// ErrTransport marks connect/accept failures. Callers may retry; carriers never do.
	ErrTransport = errors.New("transport error")

	ErrListenerClosed    = errors.New("transport: listener closed")
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
	ErrProtocolViolation = errors.New("transport: protocol violation")
)

// DefaultKeepAlive is the keepalive period carriers use unless configured otherwise.
const DefaultKeepAlive = 15 * time.Second

// Channel is a reliable, ordered, byte-oriented duplex connection.
type Channel interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener yields inbound channels until it is closed or ctx is cancelled.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() Address
	Close() error
}

// Transport is implemented once per carrier and selected by address scheme.
type Transport interface {
	Scheme() string
	Dial(ctx context.Context, addr Address) (Channel, error)
	Listen(addr Address) (Listener, error)
}

// Errorf wraps err as a transport failure for op on addr.
func Errorf(op string, addr Address, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, addr, err)
}

// Set indexes transports by scheme.
type Set map[string]Transport

func NewSet(ts ...Transport) Set {
	s := Set{}
	for _, t := range ts {
		s[t.Scheme()] = t
	}
	return s
}

func (s Set) For(addr Address) (Transport, error) {
	t, ok := s[addr.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, addr.Scheme)
	}
	return t, nil
}

// Dial picks the transport matching addr's scheme.
func (s Set) Dial(ctx context.Context, addr Address) (Channel, error) {
	t, err := s.For(addr)
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, addr)
}
