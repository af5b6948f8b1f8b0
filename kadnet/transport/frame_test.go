package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Type: 4, Payload: []byte("ok")}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != in.Type {
		t.Fatalf("type mismatch")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameDoesNotOverRead(t *testing.T) {
	var buf bytes.Buffer
	for i := byte(1); i <= 3; i++ {
		if err := WriteFrame(&buf, Frame{Type: i, Payload: bytes.Repeat([]byte{i}, int(i)*10)}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i := byte(1); i <= 3; i++ {
		f, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if f.Type != i || len(f.Payload) != int(i)*10 {
			t.Fatalf("frame %d: got type %d len %d", i, f.Type, len(f.Payload))
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameRejectsInvalid(t *testing.T) {
	if err := WriteFrame(io.Discard, Frame{Type: 0}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if err := WriteFrame(io.Discard, Frame{Type: 1, Payload: make([]byte, MaxFramePayload+1)}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	var hdr [5]byte
	hdr[0] = 1
	binary.BigEndian.PutUint32(hdr[1:], MaxFramePayload+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrFrameTooLarge) || !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected oversize protocol violation, got %v", err)
	}

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0, 0}))
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}

	_, err = ReadFrame(bytes.NewReader([]byte{1, 0, 0, 0, 9, 1, 2}))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}
