package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("tcp://127.0.0.1:4001")
	require.NoError(t, err)
	assert.Equal(t, Address{Scheme: SchemeTCP, Host: "127.0.0.1", Port: 4001}, a)
	assert.Equal(t, "tcp://127.0.0.1:4001", a.String())

	v6, err := ParseAddress("QUIC://[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, SchemeQUIC, v6.Scheme)
	assert.Equal(t, "::1", v6.Host)
	assert.Equal(t, "quic://[::1]:9000", v6.String())

	for _, bad := range []string{"", "127.0.0.1:1", "tcp://nohost", "tcp://h:port", "tcp://h:70000"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestSetDialUnsupportedScheme(t *testing.T) {
	s := NewSet()
	_, err := s.Dial(context.Background(), MustParseAddress("ws://127.0.0.1:1"))
	require.True(t, errors.Is(err, ErrUnsupportedScheme))
}
