package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	SchemeTCP    = "tcp"
	SchemeQUIC   = "quic"
	SchemeWS     = "ws"
	SchemeMemory = "mem"
)

// Address is a carrier-qualified endpoint, written scheme://host:port.
type Address struct {
	Scheme string
	Host   string
	Port   int
}

func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Address{}, fmt.Errorf("transport: address %q: missing scheme", s)
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Address{}, fmt.Errorf("transport: address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("transport: address %q: invalid port", s)
	}
	return Address{Scheme: strings.ToLower(scheme), Host: host, Port: port}, nil
}

// MustParseAddress is ParseAddress for literals in tests and examples.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return a.Scheme + "://" + a.HostPort()
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// AddressFromNet converts a listener's resolved net.Addr back into an Address.
func AddressFromNet(scheme string, na net.Addr) (Address, error) {
	host, portStr, err := net.SplitHostPort(na.String())
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, err
	}
	return Address{Scheme: scheme, Host: host, Port: port}, nil
}

// ParseAddresses parses every entry of ss, stopping at the first failure.
func ParseAddresses(ss []string) ([]Address, error) {
	out := make([]Address, 0, len(ss))
	for _, s := range ss {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func AddressStrings(as []Address) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.String()
	}
	return out
}
