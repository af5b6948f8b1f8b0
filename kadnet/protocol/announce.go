package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

var ErrAnnouncementExpired = errors.New("protocol: announcement expired")

const announceTag = "kadnet-announce-v1"

// Announcement is the signed LAN beacon payload.
type Announcement struct {
	SignedIdentity
	Version      uint64 `json:"version"`
	TimestampSec int64  `json:"timestamp_sec"`
	Nonce        []byte `json:"nonce"`
}

func NewAnnouncement(kp identity.KeyPair, addrs []transport.Address, now time.Time) (Announcement, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Announcement{}, err
	}
	a := Announcement{
		SignedIdentity: NewSignedIdentity(kp, addrs),
		Version:        Version,
		TimestampSec:   now.Unix(),
		Nonce:          nonce,
	}
	if err := a.SignedIdentity.Sign(kp, RoleResponder, a.context()); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

// context is the announcement-specific data bound into the identity signature.
func (a Announcement) context() []byte {
	var b bytes.Buffer
	b.WriteString(announceTag)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], a.Version)
	b.Write(v[:])
	binary.BigEndian.PutUint64(v[:], uint64(a.TimestampSec))
	b.Write(v[:])
	b.Write(a.Nonce)
	return b.Bytes()
}

// Verify checks the signature and that the announcement is no older than maxAge.
func (a Announcement) Verify(now time.Time, maxAge time.Duration) (identity.PeerID, error) {
	id, err := a.SignedIdentity.Verify(RoleResponder, a.context())
	if err != nil {
		return identity.PeerID{}, err
	}
	ts := time.Unix(a.TimestampSec, 0)
	if now.Sub(ts) > maxAge || ts.Sub(now) > maxAge {
		return identity.PeerID{}, ErrAnnouncementExpired
	}
	return id, nil
}
