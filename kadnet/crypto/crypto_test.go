package crypto

import (
	"bytes"
	"testing"
)

func TestEphemeralKeyAgreement(t *testing.T) {
	a, err := NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	b, err := NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	if a.Public == b.Public {
		t.Fatalf("two ephemeral keys share a public key")
	}

	sa, err := a.Shared(b.Public)
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	sb, err := b.Shared(a.Public)
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatalf("secrets differ")
	}

	if _, err := a.Shared([32]byte{}); err != ErrInvalidPublicKey {
		t.Fatalf("zero point: got %v", err)
	}
	// the identity element has low order and yields an all-zero secret
	low := [32]byte{1}
	if _, err := a.Shared(low); err != ErrInvalidPublicKey {
		t.Fatalf("low order point: got %v", err)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("hello kadnet secure channel")
	ad := []byte("additional data")

	ciphertext := aead.SealAt(7, plaintext, ad)
	if len(ciphertext) != len(plaintext)+aead.Overhead() {
		t.Fatalf("unexpected ciphertext length")
	}

	decrypted, err := aead.OpenAt(7, ciphertext, ad)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted != plaintext")
	}

	// a different sequence number means a different nonce
	if _, err := aead.OpenAt(8, ciphertext, ad); err != ErrDecryptionFailed {
		t.Fatalf("expected decryption failure under wrong sequence")
	}

	// Tamper with ciphertext
	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = aead.OpenAt(7, ciphertext, ad)
	if err != ErrDecryptionFailed {
		t.Fatalf("expected decryption failure on tampered ciphertext")
	}
}

func TestDeriveSessionKeys(t *testing.T) {
	alice, _ := NewEphemeralKey()
	bob, _ := NewEphemeralKey()
	shared, _ := alice.Shared(bob.Public)

	k1, k2, err := DeriveSessionKeys(shared, alice.Public, bob.Public, []byte("transcript-a"))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if len(k1) != 32 || len(k2) != 32 {
		t.Fatalf("unexpected key lengths")
	}
	if bytes.Equal(k1, k2) {
		t.Fatalf("initiator and responder keys should differ")
	}

	k3, _, err := DeriveSessionKeys(shared, alice.Public, bob.Public, []byte("transcript-b"))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatalf("keys must depend on the transcript")
	}

	k4, _, _ := DeriveSessionKeys(shared, bob.Public, alice.Public, []byte("transcript-a"))
	if bytes.Equal(k1, k4) {
		t.Fatalf("keys must depend on the roles")
	}
}

func BenchmarkAEADSeal(b *testing.B) {
	key := make([]byte, 32)
	aead, _ := NewAEAD(key)
	plaintext := make([]byte, 64*1024) // 64 KB
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = aead.SealAt(uint64(i), plaintext, nil)
	}
}
