package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

var (
	ErrPeerIDMismatch = errors.New("protocol: peer id does not match public key")
	ErrBadSignature   = errors.New("protocol: invalid signature")
	ErrMissingKey     = errors.New("protocol: missing public key")
)

// Role separates the two signatures of one handshake.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"

	transcriptTag = "kadnet-handshake-v1"
	// NonceSize is the length of handshake nonces.
	NonceSize = 32
)

// HandshakeInit opens a handshake.
type HandshakeInit struct {
	Version   uint64 `json:"version"`
	Ephemeral []byte `json:"ephemeral"`
	Nonce     []byte `json:"nonce"`
}

// HandshakeReply carries the responder's ephemeral key and its signed identity.
type HandshakeReply struct {
	Version   uint64 `json:"version"`
	Ephemeral []byte `json:"ephemeral"`
	Nonce     []byte `json:"nonce"`
	SignedIdentity
}

// HandshakeFinish carries the initiator's signed identity.
type HandshakeFinish struct {
	SignedIdentity
}

// SignedIdentity binds a static Ed25519 key and listen addresses to a handshake transcript.
type SignedIdentity struct {
	PeerID    string   `json:"peer_id"`
	PublicKey []byte   `json:"public_key"`
	Addrs     []string `json:"addrs,omitempty"`
	Signature []byte   `json:"signature"`
}

// Transcript hashes everything both sides contributed before identities are revealed.
func Transcript(init HandshakeInit, replyVersion uint64, replyEphemeral, replyNonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte(transcriptTag))
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], init.Version)
	h.Write(v[:])
	binary.BigEndian.PutUint64(v[:], replyVersion)
	h.Write(v[:])
	h.Write(init.Ephemeral)
	h.Write(replyEphemeral)
	h.Write(init.Nonce)
	h.Write(replyNonce)
	return h.Sum(nil)
}

func NewSignedIdentity(kp identity.KeyPair, addrs []transport.Address) SignedIdentity {
	return SignedIdentity{
		PeerID:    kp.PeerID().String(),
		PublicKey: append([]byte(nil), kp.PublicKey...),
		Addrs:     transport.AddressStrings(addrs),
	}
}

func (s SignedIdentity) SigningBytes(role Role, transcript []byte) ([]byte, error) {
	if len(s.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrMissingKey
	}
	id, err := identity.ParsePeerIDHex(s.PeerID)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteString(transcriptTag)
	b.WriteString(string(role))
	b.Write(transcript)
	b.Write(id[:])
	b.Write(s.PublicKey)
	for _, a := range s.Addrs {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(a)))
		b.Write(l[:])
		b.WriteString(a)
	}
	return b.Bytes(), nil
}

func (s *SignedIdentity) Sign(kp identity.KeyPair, role Role, transcript []byte) error {
	toSign, err := s.SigningBytes(role, transcript)
	if err != nil {
		return err
	}
	s.Signature = kp.Sign(toSign)
	return nil
}

// Verify checks the PeerID derivation and the signature and returns the proven id.
func (s SignedIdentity) Verify(role Role, transcript []byte) (identity.PeerID, error) {
	if len(s.PublicKey) != ed25519.PublicKeySize {
		return identity.PeerID{}, ErrMissingKey
	}
	claimed, err := identity.ParsePeerIDHex(s.PeerID)
	if err != nil {
		return identity.PeerID{}, err
	}
	if identity.PeerIDFromPublicKey(s.PublicKey) != claimed {
		return identity.PeerID{}, ErrPeerIDMismatch
	}
	toVerify, err := s.SigningBytes(role, transcript)
	if err != nil {
		return identity.PeerID{}, err
	}
	if err := identity.VerifySignature(s.PublicKey, toVerify, s.Signature); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return claimed, nil
}

// Addresses parses the advertised addresses, skipping unparsable entries.
func (s SignedIdentity) Addresses() []transport.Address {
	out := make([]transport.Address, 0, len(s.Addrs))
	for _, a := range s.Addrs {
		if addr, err := transport.ParseAddress(a); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

// EncodeJSON marshals a handshake or announcement record.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals a handshake or announcement record.
func DecodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
