package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/TheusHen/kadnet/kadnet/crypto"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

// DefaultHandshakeTimeout bounds a whole handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// HandshakeConfig is the local side of a handshake.
type HandshakeConfig struct {
	Identity identity.KeyPair
	// Addrs are the listen addresses advertised to the remote.
	Addrs   []transport.Address
	Timeout time.Duration
}

// handshake runs the three-frame authenticated key exchange over one channel.
// The initiator speaks first and each side only writes after it has read, so
// the exchange works on synchronous pipes.
type handshake struct {
	cfg       HandshakeConfig
	ch        transport.Channel
	initiator bool
	state     State
	trace     func(State)
}

func newHandshake(cfg HandshakeConfig, ch transport.Channel, initiator bool) *handshake {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	return &handshake{cfg: cfg, ch: ch, initiator: initiator, state: StateConnecting}
}

func (h *handshake) setState(s State) {
	h.state = s
	if h.trace != nil {
		h.trace(s)
	}
}

// Initiate runs the initiator side. When expected is set the responder must prove that id.
func Initiate(ctx context.Context, ch transport.Channel, cfg HandshakeConfig, expected *identity.PeerID) (*SecureConn, error) {
	return newHandshake(cfg, ch, true).run(ctx, expected)
}

// Respond runs the responder side.
func Respond(ctx context.Context, ch transport.Channel, cfg HandshakeConfig) (*SecureConn, error) {
	return newHandshake(cfg, ch, false).run(ctx, nil)
}

func (h *handshake) run(ctx context.Context, expected *identity.PeerID) (*SecureConn, error) {
	deadline := time.Now().Add(h.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := h.ch.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: handshake: %w", transport.ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = h.ch.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	var (
		sc  *SecureConn
		err error
	)
	if h.initiator {
		sc, err = h.initiate(expected)
	} else {
		sc, err = h.respond()
	}
	if err != nil {
		if isTimeout(err) {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}
	if err := h.ch.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: handshake: %w", transport.ErrTransport, err)
	}
	h.setState(StateEstablished)
	return sc, nil
}

func (h *handshake) initiate(expected *identity.PeerID) (*SecureConn, error) {
	h.setState(StateKeyExchange)
	eph, err := crypto.NewEphemeralKey()
	if err != nil {
		return nil, err
	}
	init := protocol.HandshakeInit{Version: protocol.Version, Ephemeral: eph.Public[:], Nonce: randomNonce()}
	if err := h.writeRecord(protocol.MessageTypeHandshakeInit, init); err != nil {
		return nil, err
	}

	var reply protocol.HandshakeReply
	if err := h.readRecord(protocol.MessageTypeHandshakeReply, &reply); err != nil {
		return nil, err
	}
	if !compatible(reply.Version) || reply.Version > init.Version {
		return nil, handshakeErr(fmt.Errorf("%w: %d", ErrVersionMismatch, reply.Version))
	}
	peerEph, err := ephemeralKey(reply.Ephemeral)
	if err != nil {
		return nil, err
	}

	h.setState(StateAuthenticating)
	transcript := protocol.Transcript(init, reply.Version, reply.Ephemeral, reply.Nonce)
	remoteID, err := verifyIdentity(reply.SignedIdentity, protocol.RoleResponder, transcript)
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != remoteID {
		return nil, handshakeErr(fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPeer, remoteID.ShortString(), expected.ShortString()))
	}

	finish := protocol.HandshakeFinish{SignedIdentity: protocol.NewSignedIdentity(h.cfg.Identity, h.cfg.Addrs)}
	if err := finish.Sign(h.cfg.Identity, protocol.RoleInitiator, transcript); err != nil {
		return nil, err
	}
	if err := h.writeRecord(protocol.MessageTypeHandshakeFinish, finish); err != nil {
		return nil, err
	}

	initKey, respKey, err := deriveKeys(eph, peerEph, eph.Public, peerEph, transcript)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewChannel(initKey, respKey)
	if err != nil {
		return nil, err
	}
	return newSecureConn(h.ch, cipher, h.cfg.Identity.PeerID(), remoteID, reply.Addresses(), true), nil
}

func (h *handshake) respond() (*SecureConn, error) {
	var init protocol.HandshakeInit
	if err := h.readRecord(protocol.MessageTypeHandshakeInit, &init); err != nil {
		return nil, err
	}
	h.setState(StateKeyExchange)
	if init.Version < protocol.MinVersion {
		return nil, handshakeErr(fmt.Errorf("%w: %d", ErrVersionMismatch, init.Version))
	}
	peerEph, err := ephemeralKey(init.Ephemeral)
	if err != nil {
		return nil, err
	}
	if len(init.Nonce) != protocol.NonceSize {
		return nil, handshakeErr(fmt.Errorf("%w: nonce size %d", transport.ErrProtocolViolation, len(init.Nonce)))
	}
	eph, err := crypto.NewEphemeralKey()
	if err != nil {
		return nil, err
	}
	version := min(init.Version, protocol.Version)
	reply := protocol.HandshakeReply{
		Version:        version,
		Ephemeral:      eph.Public[:],
		Nonce:          randomNonce(),
		SignedIdentity: protocol.NewSignedIdentity(h.cfg.Identity, h.cfg.Addrs),
	}
	transcript := protocol.Transcript(init, version, reply.Ephemeral, reply.Nonce)
	if err := reply.Sign(h.cfg.Identity, protocol.RoleResponder, transcript); err != nil {
		return nil, err
	}
	if err := h.writeRecord(protocol.MessageTypeHandshakeReply, reply); err != nil {
		return nil, err
	}

	h.setState(StateAuthenticating)
	var finish protocol.HandshakeFinish
	if err := h.readRecord(protocol.MessageTypeHandshakeFinish, &finish); err != nil {
		return nil, err
	}
	remoteID, err := verifyIdentity(finish.SignedIdentity, protocol.RoleInitiator, transcript)
	if err != nil {
		return nil, err
	}

	initKey, respKey, err := deriveKeys(eph, peerEph, peerEph, eph.Public, transcript)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewChannel(respKey, initKey)
	if err != nil {
		return nil, err
	}
	return newSecureConn(h.ch, cipher, h.cfg.Identity.PeerID(), remoteID, finish.Addresses(), false), nil
}

func (h *handshake) writeRecord(t protocol.MessageType, v any) error {
	payload, err := protocol.EncodeJSON(v)
	if err != nil {
		return err
	}
	if err := transport.WriteFrame(h.ch, transport.Frame{Type: byte(t), Payload: payload}); err != nil {
		return h.ioErr(err)
	}
	return nil
}

func (h *handshake) readRecord(t protocol.MessageType, v any) error {
	f, err := transport.ReadFrame(h.ch)
	if err != nil {
		return h.ioErr(err)
	}
	if f.Type != byte(t) {
		return handshakeErr(fmt.Errorf("%w: expected %s, got %s", transport.ErrProtocolViolation, t, protocol.MessageType(f.Type)))
	}
	if err := protocol.DecodeJSON(f.Payload, v); err != nil {
		return handshakeErr(err)
	}
	return nil
}

func (h *handshake) ioErr(err error) error {
	if isTimeout(err) {
		return err
	}
	if errors.Is(err, transport.ErrProtocolViolation) {
		return handshakeErr(err)
	}
	return fmt.Errorf("%w: handshake: %w", transport.ErrTransport, err)
}

func verifyIdentity(s protocol.SignedIdentity, role protocol.Role, transcript []byte) (identity.PeerID, error) {
	id, err := s.Verify(role, transcript)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, protocol.ErrPeerIDMismatch):
		return identity.PeerID{}, handshakeErr(ErrPeerIDMismatch)
	case errors.Is(err, identity.ErrSignatureMismatch):
		return identity.PeerID{}, handshakeErr(fmt.Errorf("%w: %w", ErrSignatureInvalid, identity.ErrSignatureMismatch))
	default:
		return identity.PeerID{}, handshakeErr(fmt.Errorf("%w: %v", ErrSignatureInvalid, err))
	}
}

func deriveKeys(local crypto.EphemeralKey, peer, initiatorPub, responderPub [32]byte, transcript []byte) ([]byte, []byte, error) {
	shared, err := local.Shared(peer)
	if err != nil {
		return nil, nil, handshakeErr(err)
	}
	return crypto.DeriveSessionKeys(shared, initiatorPub, responderPub, transcript)
}

func ephemeralKey(b []byte) ([32]byte, error) {
	var k [32]byte
	if len(b) != len(k) {
		return k, handshakeErr(fmt.Errorf("%w: ephemeral key size %d", transport.ErrProtocolViolation, len(b)))
	}
	copy(k[:], b)
	return k, nil
}

func compatible(v uint64) bool {
	return v >= protocol.MinVersion && v <= protocol.Version
}

func randomNonce() []byte {
	n := make([]byte, protocol.NonceSize)
	_, _ = rand.Read(n)
	return n
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
