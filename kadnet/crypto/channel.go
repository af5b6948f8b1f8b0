package crypto

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrReplay           = errors.New("crypto: out-of-sequence message")
	ErrSequenceOverflow = errors.New("crypto: sequence space exhausted")
)

// Channel is the symmetric state of an established session: one AEAD per direction
// and a strictly increasing sequence number on each side. The first message is number 1.
type Channel struct {
	sendMu  sync.Mutex
	send    *AEAD
	sendSeq uint64

	recvMu  sync.Mutex
	recv    *AEAD
	recvSeq uint64
}

// NewChannel builds a channel from the keys produced by DeriveSessionKeys.
// The initiator passes (initiatorKey, responderKey), the responder the reverse.
func NewChannel(sendKey, recvKey []byte) (*Channel, error) {
	send, err := NewAEAD(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := NewAEAD(recvKey)
	if err != nil {
		return nil, err
	}
	return &Channel{send: send, recv: recv}, nil
}

// Seal encrypts plaintext as the next outbound message.
func (c *Channel) Seal(plaintext []byte) (uint64, []byte, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendSeq == ^uint64(0) {
		return 0, nil, ErrSequenceOverflow
	}
	c.sendSeq++
	return c.sendSeq, c.send.SealAt(c.sendSeq, plaintext, nil), nil
}

// Open decrypts the inbound message numbered seq. Anything other than the
// next expected number is rejected, which rules out replays and reordering.
func (c *Channel) Open(seq uint64, ciphertext []byte) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if seq != c.recvSeq+1 {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrReplay, seq, c.recvSeq+1)
	}
	pt, err := c.recv.OpenAt(seq, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	c.recvSeq = seq
	return pt, nil
}

// Sequences returns the last sent and last accepted sequence numbers.
func (c *Channel) Sequences() (sent, received uint64) {
	c.sendMu.Lock()
	sent = c.sendSeq
	c.sendMu.Unlock()
	c.recvMu.Lock()
	received = c.recvSeq
	c.recvMu.Unlock()
	return sent, received
}
