// Package session turns raw transport channels into authenticated, encrypted,
// multiplexed connections and keeps at most one of them per remote peer.
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshake is the root of every handshake rejection.
	ErrHandshake = errors.New("session: handshake failed")

	ErrSignatureInvalid = errors.New("session: invalid signature")
	ErrPeerIDMismatch   = errors.New("session: peer id does not match key")
	ErrVersionMismatch  = errors.New("session: incompatible protocol version")
	ErrUnexpectedPeer   = errors.New("session: unexpected remote peer")
	ErrHandshakeTimeout = fmt.Errorf("%w: timed out", ErrHandshake)

	ErrBlacklisted = errors.New("session: remote is blacklisted")
	ErrClosed      = errors.New("session: connection closed")
	ErrSelfDial    = errors.New("session: connected to self")
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateKeyExchange
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateKeyExchange:
		return "key-exchange"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func handshakeErr(cause error) error {
	return fmt.Errorf("%w: %w", ErrHandshake, cause)
}
