package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/TheusHen/kadnet/kadnet/transport"
)

const (
	// FlagCompressed marks an lz4 compressed body.
	FlagCompressed uint8 = 1 << 0
	// FlagError marks an error response; the body is the error text.
	FlagError uint8 = 1 << 1

	// CompressThreshold is the smallest body worth compressing.
	CompressThreshold = 512

	messageHeaderLen = 1 + 16
	// MaxBodySize bounds a decoded body, compressed or not.
	MaxBodySize = transport.MaxFramePayload - messageHeaderLen
)

// ErrMalformed reports a record that cannot be decoded.
var ErrMalformed = fmt.Errorf("%w: malformed message", transport.ErrProtocolViolation)

// Message is the application envelope carried on the control stream.
// QueryID is zero for one-way messages.
type Message struct {
	Type    MessageType
	QueryID uuid.UUID
	Flags   uint8
	Body    []byte
}

func (m Message) IsError() bool { return m.Flags&FlagError != 0 }

// ErrorMessage builds an error response for query id.
func ErrorMessage(t MessageType, id uuid.UUID, err error) Message {
	return Message{Type: t, QueryID: id, Flags: FlagError, Body: []byte(err.Error())}
}

// EncodeMessage lays m out as flags ‖ queryID ‖ body, compressing large bodies.
func EncodeMessage(m Message) (transport.Frame, error) {
	if !m.Type.IsApplication() {
		return transport.Frame{}, fmt.Errorf("%w: type %d", ErrMalformed, m.Type)
	}
	body, compressed := compressBody(m.Body)
	flags := m.Flags &^ FlagCompressed
	if compressed {
		flags |= FlagCompressed
	}
	if len(body) > MaxBodySize {
		return transport.Frame{}, transport.ErrFrameTooLarge
	}
	payload := make([]byte, messageHeaderLen+len(body))
	payload[0] = flags
	copy(payload[1:messageHeaderLen], m.QueryID[:])
	copy(payload[messageHeaderLen:], body)
	return transport.Frame{Type: byte(m.Type), Payload: payload}, nil
}

func DecodeMessage(f transport.Frame) (Message, error) {
	t := MessageType(f.Type)
	if !t.IsApplication() {
		return Message{}, fmt.Errorf("%w: type %d", ErrMalformed, f.Type)
	}
	if len(f.Payload) < messageHeaderLen {
		return Message{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	m := Message{Type: t, Flags: f.Payload[0]}
	copy(m.QueryID[:], f.Payload[1:messageHeaderLen])
	body := f.Payload[messageHeaderLen:]
	if m.Flags&FlagCompressed != 0 {
		var err error
		if body, err = decompressBody(body, MaxBodySize); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.Flags &^= FlagCompressed
	}
	m.Body = body
	return m, nil
}
