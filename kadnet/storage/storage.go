// Package storage holds values published to the overlay's key space.
package storage

import (
	"context"
	"errors"

	"lukechampine.com/blake3"

	"github.com/TheusHen/kadnet/kadnet/identity"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: closed")
	ErrEmptyKey = errors.New("storage: empty key")
)

// Storage is a byte-keyed value store. Implementations must be safe for
// concurrent use.
type Storage interface {
	Name() string
	Put(ctx context.Context, key, value []byte) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	Has(ctx context.Context, key []byte) (bool, error)
	KeysWithPrefix(ctx context.Context, prefix []byte) ([][]byte, error)
	Close() error
}

// KeyTarget maps a storage key onto the id space; the peers closest to it
// hold the value.
func KeyTarget(key []byte) identity.PeerID {
	return identity.PeerID(blake3.Sum256(key))
}
