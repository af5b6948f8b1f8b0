package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PeerIDSize is the length of a PeerID in bytes.
const PeerIDSize = 32

// PeerID is the stable identifier for a peer.
// It is defined as: PeerID = SHA-256(PublicKey).
type PeerID [PeerIDSize]byte

func PeerIDFromPublicKey(publicKey []byte) PeerID {
	sum := sha256.Sum256(publicKey)
	return PeerID(sum)
}

func ParsePeerIDHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}
	return PeerIDFromBytes(b)
}

func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != PeerIDSize {
		return PeerID{}, fmt.Errorf("%w: peer id length %d", ErrInvalidKeyEncoding, len(b))
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString is the first 8 hex characters, used in logs.
func (id PeerID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less orders ids lexicographically.
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}
