package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRecordTTL is how long a stored value lives without being re-put.
const DefaultRecordTTL = 24 * time.Hour

type record struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Storage with per-record expiry.
type Memory struct {
	name  string
	ttl   time.Duration
	clock clock.Clock

	mu     sync.RWMutex
	data   map[string]record
	closed bool
}

type MemoryOption func(*Memory)

func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		if c != nil {
			m.clock = c
		}
	}
}

func NewMemory(name string, opts ...MemoryOption) *Memory {
	m := &Memory{
		name:  name,
		ttl:   DefaultRecordTTL,
		clock: clock.New(),
		data:  map[string]record{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Put(_ context.Context, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[string(key)] = record{
		value:   bytes.Clone(value),
		expires: m.clock.Now().Add(m.ttl),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.data[string(key)]
	if !ok || !m.clock.Now().Before(r.expires) {
		return nil, ErrNotFound
	}
	return bytes.Clone(r.value), nil
}

func (m *Memory) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, string(key))
	return nil
}

func (m *Memory) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// KeysWithPrefix returns the live keys starting with prefix in byte order.
func (m *Memory) KeysWithPrefix(_ context.Context, prefix []byte) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.clock.Now()
	var keys [][]byte
	for k, r := range m.data {
		if now.Before(r.expires) && bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, []byte(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

// Sweep drops expired records and returns how many it removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for k, r := range m.data {
		if !now.Before(r.expires) {
			delete(m.data, k)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
