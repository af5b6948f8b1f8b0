package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyInfo = "kadnet-session-keys-v1"
	sessionKeySize = 32
)

// DeriveSessionKeys expands the X25519 secret into one key per direction
// with HKDF-SHA256. The handshake transcript is the salt and both ephemeral
// keys are part of the info, so the keys are bound to this exact exchange.
func DeriveSessionKeys(shared []byte, initiatorPub, responderPub [32]byte, transcript []byte) (initiatorKey, responderKey []byte, err error) {
	info := make([]byte, 0, len(sessionKeyInfo)+2*len(initiatorPub))
	info = append(info, sessionKeyInfo...)
	info = append(info, initiatorPub[:]...)
	info = append(info, responderPub[:]...)

	material := make([]byte, 2*sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, transcript, info), material); err != nil {
		return nil, nil, err
	}
	return material[:sessionKeySize], material[sessionKeySize:], nil
}
