package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")

// EphemeralKey is a single-use X25519 key for one handshake. It is
// discarded once the session keys are derived.
type EphemeralKey struct {
	Public  [32]byte
	private [32]byte
}

func NewEphemeralKey() (EphemeralKey, error) {
	var k EphemeralKey
	if _, err := rand.Read(k.private[:]); err != nil {
		return EphemeralKey{}, err
	}
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return EphemeralKey{}, err
	}
	copy(k.Public[:], pub)
	return k, nil
}

// Shared returns the raw X25519 secret with peer. Low-order and zero
// points are rejected. Feed the result to DeriveSessionKeys.
func (k EphemeralKey) Shared(peer [32]byte) ([]byte, error) {
	if peer == [32]byte{} {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(k.private[:], peer[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}
