package routing

import (
	"time"

	"github.com/TheusHen/kadnet/kadnet/identity"
)

// bucket holds up to k peers ordered least-recently-seen first.
// Only the table's owner goroutine touches it.
type bucket struct {
	entries     []PeerInfo
	lastChanged time.Time
	// pinging is set while the least-recently-seen entry is being pinged.
	pinging bool
}

func (b *bucket) index(id identity.PeerID) int {
	for i, p := range b.entries {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// bump moves entry i to the most-recently-seen end.
func (b *bucket) bump(i int, updated PeerInfo) {
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = updated
}

func (b *bucket) remove(id identity.PeerID) bool {
	i := b.index(id)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return true
}

// lrs is the least-recently-seen entry.
func (b *bucket) lrs() PeerInfo { return b.entries[0] }

func (b *bucket) snapshot() []PeerInfo {
	if len(b.entries) == 0 {
		return nil
	}
	out := make([]PeerInfo, len(b.entries))
	copy(out, b.entries)
	return out
}
