package kadnet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/TheusHen/kadnet/kadnet/discovery"
	"github.com/TheusHen/kadnet/kadnet/discovery/lan"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/router"
	"github.com/TheusHen/kadnet/kadnet/routing"
	"github.com/TheusHen/kadnet/kadnet/session"
	"github.com/TheusHen/kadnet/kadnet/storage"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

var ErrInvalidConfig = errors.New("kadnet: invalid config")

// LANConfig controls the local-segment beacon.
type LANConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Port      int           `yaml:"port"`
	Interval  time.Duration `yaml:"interval"`
	Group     string        `yaml:"group"`
	Broadcast bool          `yaml:"broadcast"`
	// Targets are extra unicast "host:port" beacon destinations.
	Targets []string `yaml:"targets"`
}

type Config struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapAddrs []string `yaml:"bootstrap_addrs"`
	// KeyFile holds the hex Ed25519 seed; created on first start. Empty means
	// an ephemeral identity unless Identity is set.
	KeyFile string `yaml:"key_file"`

	K         int `yaml:"k"`
	Alpha     int `yaml:"alpha"`
	MaxRounds int `yaml:"max_rounds"`

	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	StreamWindow     uint32        `yaml:"stream_window"`

	BroadcastTTL  uint8         `yaml:"broadcast_ttl"`
	DedupSize     int           `yaml:"dedup_size"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	InboundBuffer int           `yaml:"inbound_buffer"`
	RecordTTL     time.Duration `yaml:"record_ttl"`

	LAN       LANConfig               `yaml:"lan"`
	Blacklist session.BlacklistConfig `yaml:"blacklist"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Identity overrides KeyFile.
	Identity *identity.KeyPair `yaml:"-"`
	// Transports replaces the default TCP, QUIC and WebSocket carriers.
	Transports []transport.Transport `yaml:"-"`
	Storage    storage.Storage       `yaml:"-"`
	Logger     *logrus.Logger        `yaml:"-"`
	// Registerer receives the node's metrics; a private registry when nil.
	Registerer prometheus.Registerer `yaml:"-"`
	Clock      clock.Clock           `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddrs:      []string{"tcp://0.0.0.0:4040"},
		K:                routing.DefaultK,
		Alpha:            discovery.DefaultAlpha,
		MaxRounds:        discovery.DefaultMaxRounds,
		RefreshInterval:  discovery.DefaultRefreshInterval,
		PingTimeout:      routing.DefaultPingTimeout,
		QueryTimeout:     discovery.DefaultQueryTimeout,
		RequestTimeout:   router.DefaultRequestTimeout,
		HandshakeTimeout: session.DefaultHandshakeTimeout,
		IdleTimeout:      5 * time.Minute,
		StreamWindow:     session.DefaultStreamWindow,
		BroadcastTTL:     router.DefaultBroadcastTTL,
		DedupSize:        router.DefaultDedupSize,
		DedupTTL:         router.DefaultDedupTTL,
		InboundBuffer:    router.DefaultInboundBuffer,
		RecordTTL:        storage.DefaultRecordTTL,
		LAN: LANConfig{
			Port:     lan.DefaultPort,
			Interval: lan.DefaultInterval,
			Group:    lan.DefaultGroup,
		},
		Blacklist: session.DefaultBlacklistConfig(),
		LogLevel:  "info",
	}
}

func (c *Config) Validate() error {
	if _, err := transport.ParseAddresses(c.ListenAddrs); err != nil {
		return fmt.Errorf("%w: listen_addrs: %w", ErrInvalidConfig, err)
	}
	if _, err := transport.ParseAddresses(c.BootstrapAddrs); err != nil {
		return fmt.Errorf("%w: bootstrap_addrs: %w", ErrInvalidConfig, err)
	}
	if c.K <= 0 || c.K > protocol.MaxNodes {
		return fmt.Errorf("%w: k must be in [1, %d]", ErrInvalidConfig, protocol.MaxNodes)
	}
	if c.Alpha <= 0 || c.Alpha > c.K {
		return fmt.Errorf("%w: alpha must be in [1, k]", ErrInvalidConfig)
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("%w: max_rounds must be positive", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"refresh_interval":  c.RefreshInterval,
		"ping_timeout":      c.PingTimeout,
		"query_timeout":     c.QueryTimeout,
		"request_timeout":   c.RequestTimeout,
		"handshake_timeout": c.HandshakeTimeout,
		"dedup_ttl":         c.DedupTTL,
		"record_ttl":        c.RecordTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle_timeout must not be negative", ErrInvalidConfig)
	}
	if c.StreamWindow < session.DefaultStreamWindow {
		return fmt.Errorf("%w: stream_window must be at least %d", ErrInvalidConfig, session.DefaultStreamWindow)
	}
	if c.BroadcastTTL == 0 {
		return fmt.Errorf("%w: broadcast_ttl must be positive", ErrInvalidConfig)
	}
	if c.DedupSize <= 0 || c.InboundBuffer <= 0 {
		return fmt.Errorf("%w: dedup_size and inbound_buffer must be positive", ErrInvalidConfig)
	}
	if c.LAN.Enabled {
		if c.LAN.Port < 0 || c.LAN.Port > 65535 {
			return fmt.Errorf("%w: lan.port out of range", ErrInvalidConfig)
		}
		if c.LAN.Port == 0 && len(c.LAN.Targets) == 0 {
			return fmt.Errorf("%w: lan.port 0 needs explicit lan.targets", ErrInvalidConfig)
		}
	}
	if c.Blacklist.Threshold < 0 || c.Blacklist.Window < 0 {
		return fmt.Errorf("%w: blacklist values must not be negative", ErrInvalidConfig)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
