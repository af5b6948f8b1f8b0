package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newChannelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	initiator, _ := NewEphemeralKey()
	responder, _ := NewEphemeralKey()
	shared, err := initiator.Shared(responder.Public)
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	ik, rk, err := DeriveSessionKeys(shared, initiator.Public, responder.Public, nil)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	a, err := NewChannel(ik, rk)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	b, err := NewChannel(rk, ik)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	return a, b
}

func TestChannelRoundTrip(t *testing.T) {
	a, b := newChannelPair(t)

	messages := [][]byte{
		[]byte("hello from initiator"),
		[]byte("hello from responder"),
		[]byte("another message"),
	}

	for i, msg := range messages {
		seq, ct, err := a.Seal(msg)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, seq)
		}
		pt, err := b.Open(seq, ct)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("message mismatch")
		}
	}

	// Responder -> Initiator uses the other key
	seq, ct, _ := b.Seal([]byte("reply"))
	if _, err := a.Open(seq, ct); err != nil {
		t.Fatalf("reverse Open: %v", err)
	}

	sent, received := a.Sequences()
	if sent != 3 || received != 1 {
		t.Fatalf("unexpected sequences sent=%d received=%d", sent, received)
	}
}

func TestChannelRejectsReplayAndReorder(t *testing.T) {
	a, b := newChannelPair(t)

	seq1, ct1, _ := a.Seal([]byte("one"))
	seq2, ct2, _ := a.Seal([]byte("two"))

	if _, err := b.Open(seq2, ct2); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay for skipped sequence, got %v", err)
	}
	if _, err := b.Open(seq1, ct1); err != nil {
		t.Fatalf("Open seq1: %v", err)
	}
	if _, err := b.Open(seq1, ct1); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay for replayed frame, got %v", err)
	}
	if _, err := b.Open(seq2, ct2); err != nil {
		t.Fatalf("Open seq2: %v", err)
	}
}
