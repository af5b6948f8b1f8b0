package session

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const blacklistCapacity = 4096

// BlacklistConfig sets when repeated handshake failures get a remote refused.
type BlacklistConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

func DefaultBlacklistConfig() BlacklistConfig {
	return BlacklistConfig{Threshold: 5, Window: 10 * time.Minute}
}

// blacklist counts failed handshakes per remote key. Entries age out after
// Window without new failures, which also lifts the ban.
type blacklist struct {
	mu        sync.Mutex
	threshold int
	failures  *expirable.LRU[string, int]
}

func newBlacklist(cfg BlacklistConfig) *blacklist {
	if cfg.Threshold <= 0 || cfg.Window <= 0 {
		return nil
	}
	return &blacklist{
		threshold: cfg.Threshold,
		failures:  expirable.NewLRU[string, int](blacklistCapacity, nil, cfg.Window),
	}
}

// fail records a failure and reports whether key is now refused.
func (b *blacklist) fail(key string) bool {
	if b == nil || key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.failures.Get(key)
	n++
	b.failures.Add(key, n)
	return n >= b.threshold
}

func (b *blacklist) blocked(key string) bool {
	if b == nil || key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.failures.Get(key)
	return ok && n >= b.threshold
}

func (b *blacklist) clear(key string) {
	if b == nil || key == "" {
		return
	}
	b.mu.Lock()
	b.failures.Remove(key)
	b.mu.Unlock()
}

// addrKey keys a remote by its full address. Hosts are never banned as a
// whole so peers sharing a NAT or loopback stay independent.
func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return "addr:" + a.String()
}

func peerKey(id string) string { return "peer:" + id }
