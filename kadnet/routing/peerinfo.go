// Package routing implements the Kademlia routing table: 256 k-buckets indexed
// by common-prefix length, mutated by a single owner goroutine and read through
// immutable snapshots.
package routing

import (
	"slices"
	"time"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

// PeerInfo is what the table knows about a peer.
type PeerInfo struct {
	ID       identity.PeerID
	Addrs    []transport.Address
	LastSeen time.Time
	Latency  time.Duration
}

// Record converts p to its wire form.
func (p PeerInfo) Record() protocol.PeerRecord {
	return protocol.PeerRecord{ID: p.ID, Version: protocol.Version, Addrs: p.Addrs}
}

// FromRecord builds a PeerInfo from a wire record; LastSeen stays zero until contact.
func FromRecord(r protocol.PeerRecord) PeerInfo {
	return PeerInfo{ID: r.ID, Addrs: r.Addrs}
}

func Records(ps []PeerInfo) []protocol.PeerRecord {
	out := make([]protocol.PeerRecord, len(ps))
	for i, p := range ps {
		out[i] = p.Record()
	}
	return out
}

// merge refreshes old with what a newer sighting carries.
func merge(old, seen PeerInfo) PeerInfo {
	if len(seen.Addrs) > 0 {
		old.Addrs = slices.Clone(seen.Addrs)
	}
	if seen.LastSeen.After(old.LastSeen) {
		old.LastSeen = seen.LastSeen
	}
	if seen.Latency > 0 {
		old.Latency = seen.Latency
	}
	return old
}
