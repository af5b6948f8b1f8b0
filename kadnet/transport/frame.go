package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxFramePayload limits a single frame payload.
	MaxFramePayload = 1 << 20 // 1 MiB

	frameHeaderLen = 5
)

var (
	ErrFrameTooLarge = fmt.Errorf("%w: frame payload too large", ErrProtocolViolation)
	ErrInvalidType   = fmt.Errorf("%w: invalid frame type", ErrProtocolViolation)
)

// Frame is the basic wire container.
// Format:
//
//	1 byte: type
//	4 bytes: payload length (big endian)
//	N bytes: payload
//
// Type 0 is reserved.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame emits f with a single Write so concurrent writers on a
// locked writer never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	if f.Type == 0 {
		return ErrInvalidType
	}
	if len(f.Payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:frameHeaderLen], uint32(len(f.Payload)))
	copy(buf[frameHeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame and nothing beyond it.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if hdr[0] == 0 {
		return Frame{}, ErrInvalidType
	}
	payloadLen := binary.BigEndian.Uint32(hdr[1:])
	if payloadLen > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Type: hdr[0], Payload: payload}, nil
}
