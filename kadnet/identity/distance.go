package identity

import (
	"bytes"
	"crypto/rand"
	"math/bits"
)

// IDBits is the width of the identifier space.
const IDBits = PeerIDSize * 8

// Distance is the XOR of two PeerIDs, read as a big-endian unsigned integer.
type Distance [PeerIDSize]byte

func (id PeerID) Distance(other PeerID) Distance {
	var d Distance
	for i := range d {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Cmp returns -1, 0 or +1 depending on whether d is smaller, equal or larger than other.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// LeadingZeros is the number of leading zero bits of d.
func (d Distance) LeadingZeros() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}

// CommonPrefixLen is the number of leading bits a and b share.
func CommonPrefixLen(a, b PeerID) int {
	return a.Distance(b).LeadingZeros()
}

// CloserTo reports whether a is strictly closer to target than b,
// falling back to the lexicographic order of the ids on equal distance.
func CloserTo(target, a, b PeerID) bool {
	if c := target.Distance(a).Cmp(target.Distance(b)); c != 0 {
		return c < 0
	}
	return a.Less(b)
}

// RandomIDWithPrefix returns a random id sharing exactly cpl leading bits with self.
func RandomIDWithPrefix(self PeerID, cpl int) (PeerID, error) {
	if cpl < 0 || cpl >= IDBits {
		cpl = IDBits - 1
	}
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return PeerID{}, err
	}
	byteIdx, bitIdx := cpl/8, uint(cpl%8)

	copy(id[:byteIdx], self[:byteIdx])
	// keep self's bits above cpl, flip bit cpl, keep the random tail
	highMask := byte(0xff) << (8 - bitIdx)
	flip := byte(0x80) >> bitIdx
	lowMask := flip - 1
	id[byteIdx] = (self[byteIdx] & highMask) | ((self[byteIdx] ^ flip) & flip) | (id[byteIdx] & lowMask)
	return id, nil
}
