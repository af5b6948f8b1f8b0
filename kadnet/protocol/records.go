package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/multiformats/go-varint"
	"lukechampine.com/blake3"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

const (
	// MaxRecordAddrs bounds the addresses decoded per peer record.
	MaxRecordAddrs = 16
	// MaxNodes bounds the records decoded from a Nodes body.
	MaxNodes = 64

	maxAddrLen = 256
)

// PeerRecord is the reachability record of a peer as exchanged on the wire.
type PeerRecord struct {
	ID      identity.PeerID
	Version uint64
	Addrs   []transport.Address
}

// AppendPeerRecord appends ID ‖ uvarint version ‖ uvarint n ‖ n × (uvarint len ‖ address).
func AppendPeerRecord(b []byte, r PeerRecord) []byte {
	b = append(b, r.ID[:]...)
	b = append(b, varint.ToUvarint(r.Version)...)
	b = append(b, varint.ToUvarint(uint64(len(r.Addrs)))...)
	for _, a := range r.Addrs {
		s := a.String()
		b = append(b, varint.ToUvarint(uint64(len(s)))...)
		b = append(b, s...)
	}
	return b
}

func EncodePeerRecord(r PeerRecord) []byte {
	return AppendPeerRecord(nil, r)
}

func DecodePeerRecord(b []byte) (PeerRecord, error) {
	r, n, err := readPeerRecord(b)
	if err != nil {
		return PeerRecord{}, err
	}
	if n != len(b) {
		return PeerRecord{}, fmt.Errorf("%w: trailing bytes after peer record", ErrMalformed)
	}
	return r, nil
}

func readPeerRecord(b []byte) (PeerRecord, int, error) {
	if len(b) < identity.PeerIDSize {
		return PeerRecord{}, 0, fmt.Errorf("%w: short peer record", ErrMalformed)
	}
	var r PeerRecord
	copy(r.ID[:], b)
	off := identity.PeerIDSize

	version, n, err := readUvarint(b[off:])
	if err != nil {
		return PeerRecord{}, 0, err
	}
	r.Version = version
	off += n

	count, n, err := readUvarint(b[off:])
	if err != nil {
		return PeerRecord{}, 0, err
	}
	off += n
	if count > MaxRecordAddrs {
		return PeerRecord{}, 0, fmt.Errorf("%w: %d addresses", ErrMalformed, count)
	}
	for i := uint64(0); i < count; i++ {
		l, n, err := readUvarint(b[off:])
		if err != nil {
			return PeerRecord{}, 0, err
		}
		off += n
		if l > maxAddrLen || uint64(len(b)-off) < l {
			return PeerRecord{}, 0, fmt.Errorf("%w: address length %d", ErrMalformed, l)
		}
		a, err := transport.ParseAddress(string(b[off : off+int(l)]))
		if err != nil {
			return PeerRecord{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		r.Addrs = append(r.Addrs, a)
		off += int(l)
	}
	return r, off, nil
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, n, nil
}

// EncodeNodes is the body of a Nodes reply: uvarint count ‖ records.
func EncodeNodes(rs []PeerRecord) []byte {
	b := varint.ToUvarint(uint64(len(rs)))
	for _, r := range rs {
		b = AppendPeerRecord(b, r)
	}
	return b
}

func DecodeNodes(b []byte) ([]PeerRecord, error) {
	rs, n, err := readNodes(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: trailing bytes after nodes", ErrMalformed)
	}
	return rs, nil
}

func readNodes(b []byte) ([]PeerRecord, int, error) {
	count, off, err := readUvarint(b)
	if err != nil {
		return nil, 0, err
	}
	if count > MaxNodes {
		return nil, 0, fmt.Errorf("%w: %d nodes", ErrMalformed, count)
	}
	rs := make([]PeerRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		r, n, err := readPeerRecord(b[off:])
		if err != nil {
			return nil, 0, err
		}
		rs = append(rs, r)
		off += n
	}
	return rs, off, nil
}

func EncodeFindNode(target identity.PeerID) []byte {
	return append([]byte(nil), target[:]...)
}

func DecodeFindNode(b []byte) (identity.PeerID, error) {
	id, err := identity.PeerIDFromBytes(b)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: find node target", ErrMalformed)
	}
	return id, nil
}

// BroadcastID identifies a gossip message across the overlay.
type BroadcastID [32]byte

// Broadcast is the body of a gossip message: id ‖ origin ‖ nonce:8 ‖ ttl:1 ‖ payload.
type Broadcast struct {
	ID      BroadcastID
	Origin  identity.PeerID
	Nonce   uint64
	TTL     uint8
	Payload []byte
}

const broadcastHeaderLen = 32 + identity.PeerIDSize + 8 + 1

// NewBroadcastID is BLAKE3(payload ‖ origin ‖ nonce).
func NewBroadcastID(payload []byte, origin identity.PeerID, nonce uint64) BroadcastID {
	h := blake3.New(32, nil)
	h.Write(payload)
	h.Write(origin[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	var id BroadcastID
	h.Sum(id[:0])
	return id
}

// Valid reports whether m.ID matches its contents.
func (m Broadcast) Valid() bool {
	return NewBroadcastID(m.Payload, m.Origin, m.Nonce) == m.ID
}

func EncodeBroadcast(m Broadcast) []byte {
	b := make([]byte, broadcastHeaderLen+len(m.Payload))
	copy(b, m.ID[:])
	copy(b[32:], m.Origin[:])
	binary.BigEndian.PutUint64(b[64:], m.Nonce)
	b[72] = m.TTL
	copy(b[broadcastHeaderLen:], m.Payload)
	return b
}

func DecodeBroadcast(b []byte) (Broadcast, error) {
	if len(b) < broadcastHeaderLen {
		return Broadcast{}, fmt.Errorf("%w: short broadcast", ErrMalformed)
	}
	var m Broadcast
	copy(m.ID[:], b)
	copy(m.Origin[:], b[32:])
	m.Nonce = binary.BigEndian.Uint64(b[64:])
	m.TTL = b[72]
	m.Payload = b[broadcastHeaderLen:]
	return m, nil
}

// EncodeStore is the body of a Store request: uvarint len ‖ key ‖ value.
func EncodeStore(key, value []byte) []byte {
	b := varint.ToUvarint(uint64(len(key)))
	b = append(b, key...)
	return append(b, value...)
}

func DecodeStore(b []byte) (key, value []byte, err error) {
	l, n, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if l == 0 || uint64(len(b)-n) < l {
		return nil, nil, fmt.Errorf("%w: store key length %d", ErrMalformed, l)
	}
	return b[n : n+int(l)], b[n+int(l):], nil
}

// ValueReply answers FindValue with either the value or the closest peers.
type ValueReply struct {
	Found bool
	Value []byte
	Nodes []PeerRecord
}

func EncodeValue(v ValueReply) []byte {
	if v.Found {
		return append([]byte{1}, v.Value...)
	}
	return append([]byte{0}, EncodeNodes(v.Nodes)...)
}

func DecodeValue(b []byte) (ValueReply, error) {
	if len(b) == 0 {
		return ValueReply{}, fmt.Errorf("%w: empty value reply", ErrMalformed)
	}
	switch b[0] {
	case 1:
		return ValueReply{Found: true, Value: b[1:]}, nil
	case 0:
		nodes, err := DecodeNodes(b[1:])
		if err != nil {
			return ValueReply{}, err
		}
		return ValueReply{Nodes: nodes}, nil
	default:
		return ValueReply{}, fmt.Errorf("%w: value flag %d", ErrMalformed, b[0])
	}
}
