package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

func TestMessageRoundTrip(t *testing.T) {
	in := Message{Type: MessageTypeRequest, QueryID: uuid.New(), Body: []byte("hello")}
	f, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if f.Type != byte(MessageTypeRequest) {
		t.Fatalf("frame type %d", f.Type)
	}
	out, err := DecodeMessage(f)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if out.QueryID != in.QueryID || !bytes.Equal(out.Body, in.Body) || out.IsError() {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestMessageCompressesLargeBodies(t *testing.T) {
	body := bytes.Repeat([]byte("kadnet "), 1000)
	f, err := EncodeMessage(Message{Type: MessageTypeCustom, Body: body})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if f.Payload[0]&FlagCompressed == 0 {
		t.Fatalf("expected compressed flag")
	}
	if len(f.Payload) >= len(body) {
		t.Fatalf("expected smaller payload, got %d", len(f.Payload))
	}
	out, err := DecodeMessage(f)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !bytes.Equal(out.Body, body) {
		t.Fatalf("body mismatch after decompression")
	}
	if out.Flags&FlagCompressed != 0 {
		t.Fatalf("compressed flag should be cleared")
	}
}

func TestErrorMessage(t *testing.T) {
	id := uuid.New()
	f, err := EncodeMessage(ErrorMessage(MessageTypeResponse, id, errors.New("boom")))
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	m, err := DecodeMessage(f)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !m.IsError() || string(m.Body) != "boom" || m.QueryID != id {
		t.Fatalf("unexpected %+v", m)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	cases := []transport.Frame{
		{Type: byte(MessageTypeSealed), Payload: make([]byte, 20)},
		{Type: byte(MessageTypePing), Payload: []byte{0, 1}},
		{Type: byte(MessageTypePing), Payload: append([]byte{FlagCompressed}, make([]byte, 20)...)},
		// declares more than MaxBodySize of inflated output
		{Type: byte(MessageTypeCustom), Payload: append(append([]byte{FlagCompressed}, make([]byte, 16)...),
			append(varint.ToUvarint(MaxBodySize+1), 0x10, 0x41)...)},
	}
	for i, f := range cases {
		if _, err := DecodeMessage(f); !errors.Is(err, transport.ErrProtocolViolation) {
			t.Fatalf("case %d: expected protocol violation, got %v", i, err)
		}
	}
}

func TestNodesRoundTrip(t *testing.T) {
	kp1, _ := identity.GenerateKeyPair()
	kp2, _ := identity.GenerateKeyPair()
	in := []PeerRecord{
		{ID: kp1.PeerID(), Version: Version, Addrs: []transport.Address{
			transport.MustParseAddress("tcp://10.0.0.1:4001"),
			transport.MustParseAddress("quic://[::1]:4002"),
		}},
		{ID: kp2.PeerID(), Version: Version},
	}
	out, err := DecodeNodes(EncodeNodes(in))
	if err != nil {
		t.Fatalf("DecodeNodes: %v", err)
	}
	if len(out) != 2 || out[0].ID != in[0].ID || out[1].ID != in[1].ID {
		t.Fatalf("ids mismatch")
	}
	if len(out[0].Addrs) != 2 || out[0].Addrs[1] != in[0].Addrs[1] {
		t.Fatalf("addrs mismatch: %v", out[0].Addrs)
	}

	enc := EncodeNodes(in)
	if _, err := DecodeNodes(enc[:len(enc)-3]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated nodes should fail, got %v", err)
	}
}

func TestStoreAndValueBodies(t *testing.T) {
	k, v, err := DecodeStore(EncodeStore([]byte("key"), []byte("value")))
	if err != nil || string(k) != "key" || string(v) != "value" {
		t.Fatalf("store round trip: %q %q %v", k, v, err)
	}
	if _, _, err := DecodeStore([]byte{5, 'a'}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}

	found, err := DecodeValue(EncodeValue(ValueReply{Found: true, Value: []byte("v")}))
	if err != nil || !found.Found || string(found.Value) != "v" {
		t.Fatalf("found value: %+v %v", found, err)
	}
	kp, _ := identity.GenerateKeyPair()
	miss, err := DecodeValue(EncodeValue(ValueReply{Nodes: []PeerRecord{{ID: kp.PeerID()}}}))
	if err != nil || miss.Found || len(miss.Nodes) != 1 {
		t.Fatalf("missing value: %+v %v", miss, err)
	}
}

func TestBroadcastBody(t *testing.T) {
	kp, _ := identity.GenerateKeyPair()
	in := Broadcast{ID: BroadcastID{1, 2, 3}, Origin: kp.PeerID(), Nonce: 42, TTL: 3, Payload: []byte("block")}
	out, err := DecodeBroadcast(EncodeBroadcast(in))
	if err != nil {
		t.Fatalf("DecodeBroadcast: %v", err)
	}
	if out.ID != in.ID || out.Origin != in.Origin || out.Nonce != 42 || out.TTL != 3 || string(out.Payload) != "block" {
		t.Fatalf("mismatch: %+v", out)
	}
	if _, err := DecodeBroadcast(make([]byte, 10)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed")
	}
}

func TestBroadcastID(t *testing.T) {
	kp, _ := identity.GenerateKeyPair()
	m := Broadcast{Origin: kp.PeerID(), Nonce: 7, TTL: 3, Payload: []byte("hello")}
	m.ID = NewBroadcastID(m.Payload, m.Origin, m.Nonce)
	if !m.Valid() {
		t.Fatalf("fresh broadcast not valid")
	}
	if NewBroadcastID(m.Payload, m.Origin, 8) == m.ID {
		t.Fatalf("nonce not bound into id")
	}
	m.TTL = 1
	if !m.Valid() {
		t.Fatalf("ttl must not affect the id")
	}
	m.Payload = []byte("hellO")
	if m.Valid() {
		t.Fatalf("tampered payload accepted")
	}
}

func TestReplyTypes(t *testing.T) {
	for _, req := range []MessageType{MessageTypePing, MessageTypeFindNode, MessageTypeRequest, MessageTypeStore, MessageTypeFindValue} {
		if !req.ReplyType().IsReply() {
			t.Fatalf("%s: reply %s is not a reply type", req, req.ReplyType())
		}
	}
	if MessageTypeCustom.ReplyType() != 0 || MessageTypeBroadcast.IsReply() {
		t.Fatalf("one-way types have no reply")
	}
}

func TestSignedIdentity(t *testing.T) {
	kp, _ := identity.GenerateKeyPair()
	transcript := bytes.Repeat([]byte{7}, 32)

	s := NewSignedIdentity(kp, []transport.Address{transport.MustParseAddress("tcp://127.0.0.1:1")})
	if err := s.Sign(kp, RoleInitiator, transcript); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := s.Verify(RoleInitiator, transcript)
	if err != nil || id != kp.PeerID() {
		t.Fatalf("Verify: %v", err)
	}

	if _, err := s.Verify(RoleResponder, transcript); !errors.Is(err, ErrBadSignature) || !errors.Is(err, identity.ErrSignatureMismatch) {
		t.Fatalf("role confusion must fail, got %v", err)
	}
	if _, err := s.Verify(RoleInitiator, bytes.Repeat([]byte{8}, 32)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("other transcript must fail, got %v", err)
	}

	tampered := s
	tampered.Addrs = []string{"tcp://6.6.6.6:1"}
	if _, err := tampered.Verify(RoleInitiator, transcript); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered addrs must fail, got %v", err)
	}

	other, _ := identity.GenerateKeyPair()
	swapped := s
	swapped.PublicKey = other.PublicKey
	if _, err := swapped.Verify(RoleInitiator, transcript); !errors.Is(err, ErrPeerIDMismatch) {
		t.Fatalf("swapped key must fail, got %v", err)
	}
}

func TestAnnouncement(t *testing.T) {
	kp, _ := identity.GenerateKeyPair()
	now := time.Unix(1_700_000_000, 0)
	a, err := NewAnnouncement(kp, []transport.Address{transport.MustParseAddress("tcp://192.168.1.2:4001")}, now)
	if err != nil {
		t.Fatalf("NewAnnouncement: %v", err)
	}
	enc, err := EncodeJSON(a)
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	var dec Announcement
	if err := DecodeJSON(enc, &dec); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	id, err := dec.Verify(now.Add(time.Second), time.Minute)
	if err != nil || id != kp.PeerID() {
		t.Fatalf("Verify: %v", err)
	}
	if len(dec.Addresses()) != 1 {
		t.Fatalf("addresses lost")
	}
	if _, err := dec.Verify(now.Add(2*time.Minute), time.Minute); !errors.Is(err, ErrAnnouncementExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
	dec.TimestampSec++
	if _, err := dec.Verify(now, time.Minute); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("forged timestamp must fail, got %v", err)
	}
}
