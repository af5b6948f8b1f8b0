package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidKeyEncoding = errors.New("identity: invalid key encoding")
	ErrSignatureMismatch  = errors.New("identity: signature mismatch")
)

// KeyPair holds an Ed25519 keypair used for peer identity.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func NewKeyPair(publicKey, privateKey []byte) (KeyPair, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return KeyPair{}, fmt.Errorf("%w: public key size %d", ErrInvalidKeyEncoding, len(publicKey))
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("%w: private key size %d", ErrInvalidKeyEncoding, len(privateKey))
	}
	return KeyPair{PublicKey: ed25519.PublicKey(publicKey), PrivateKey: ed25519.PrivateKey(privateKey)}, nil
}

// KeyPairFromSeed derives the keypair from a 32-byte Ed25519 seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: seed size %d", ErrInvalidKeyEncoding, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

func (kp KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(kp.PublicKey)
}

func (kp KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	return VerifySignature(publicKey, message, signature) == nil
}

// VerifySignature is Verify with a typed failure reason.
func VerifySignature(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key size %d", ErrInvalidKeyEncoding, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(publicKey, message, signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// LoadOrCreateKeyFile reads a hex encoded seed from path, creating one if the file is missing.
func LoadOrCreateKeyFile(path string) (KeyPair, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
		}
		return KeyPairFromSeed(seed)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return KeyPair{}, err
	}
	seed := hex.EncodeToString(kp.PrivateKey.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}
