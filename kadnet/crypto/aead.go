package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
)

// AEAD wraps ChaCha20-Poly1305 keyed for a single direction of a session.
// The 96-bit nonce is 4 zero bytes followed by the 64-bit message sequence number,
// so a key must never seal two messages with the same sequence.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: invalid key size for ChaCha20-Poly1305")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: aead}, nil
}

func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// SealAt encrypts and authenticates plaintext as message number seq.
// Returns: ciphertext || tag (16 bytes)
func (a *AEAD) SealAt(seq uint64, plaintext, additionalData []byte) []byte {
	return a.aead.Seal(nil, nonceFor(seq), plaintext, additionalData)
}

// OpenAt decrypts and verifies ciphertext sealed as message number seq.
func (a *AEAD) OpenAt(seq uint64, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(nil, nonceFor(seq), ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }
