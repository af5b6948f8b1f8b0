package session

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TheusHen/kadnet/kadnet/crypto"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

const (
	seqLen = 8
	// aeadOverhead is the Poly1305 tag size.
	aeadOverhead = 16
	// maxPlaintext keeps every sealed frame within transport.MaxFramePayload.
	maxPlaintext = transport.MaxFramePayload - seqLen - aeadOverhead
)

// SecureConn encrypts a channel: every Write becomes one or more Sealed frames
// carrying seq:8 ‖ ciphertext, and reads accept only the next sequence number.
type SecureConn struct {
	ch     transport.Channel
	cipher *crypto.Channel

	local       identity.PeerID
	remote      identity.PeerID
	remoteAddrs []transport.Address
	initiator   bool

	wmu sync.Mutex

	rmu  sync.Mutex
	rbuf []byte
}

func newSecureConn(ch transport.Channel, cipher *crypto.Channel, local, remote identity.PeerID, remoteAddrs []transport.Address, initiator bool) *SecureConn {
	return &SecureConn{
		ch:          ch,
		cipher:      cipher,
		local:       local,
		remote:      remote,
		remoteAddrs: remoteAddrs,
		initiator:   initiator,
	}
}

func (c *SecureConn) LocalPeer() identity.PeerID  { return c.local }
func (c *SecureConn) RemotePeer() identity.PeerID { return c.remote }

// RemoteAddrs are the listen addresses the remote signed during the handshake.
func (c *SecureConn) RemoteAddrs() []transport.Address { return c.remoteAddrs }

// Initiator reports whether the local side opened the connection.
func (c *SecureConn) Initiator() bool { return c.initiator }

// Sequences returns the last sent and received sequence numbers.
func (c *SecureConn) Sequences() (sent, received uint64) { return c.cipher.Sequences() }

func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		seq, ct, err := c.cipher.Seal(chunk)
		if err != nil {
			return written, err
		}
		payload := make([]byte, seqLen+len(ct))
		binary.BigEndian.PutUint64(payload, seq)
		copy(payload[seqLen:], ct)
		if err := transport.WriteFrame(c.ch, transport.Frame{Type: byte(protocol.MessageTypeSealed), Payload: payload}); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.rbuf) == 0 {
		f, err := transport.ReadFrame(c.ch)
		if err != nil {
			return 0, err
		}
		if f.Type != byte(protocol.MessageTypeSealed) || len(f.Payload) < seqLen {
			return 0, fmt.Errorf("%w: unexpected %s frame on secure channel", transport.ErrProtocolViolation, protocol.MessageType(f.Type))
		}
		seq := binary.BigEndian.Uint64(f.Payload)
		pt, err := c.cipher.Open(seq, f.Payload[seqLen:])
		if err != nil {
			return 0, fmt.Errorf("%w: %w", transport.ErrProtocolViolation, err)
		}
		c.rbuf = pt
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *SecureConn) Close() error { return c.ch.Close() }

func (c *SecureConn) LocalAddr() net.Addr  { return c.ch.LocalAddr() }
func (c *SecureConn) RemoteAddr() net.Addr { return c.ch.RemoteAddr() }

func (c *SecureConn) SetDeadline(t time.Time) error      { return c.ch.SetDeadline(t) }
func (c *SecureConn) SetReadDeadline(t time.Time) error  { return c.ch.SetReadDeadline(t) }
func (c *SecureConn) SetWriteDeadline(t time.Time) error { return c.ch.SetWriteDeadline(t) }
