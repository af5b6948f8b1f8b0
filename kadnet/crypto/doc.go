// Package crypto holds the primitives behind session encryption: ephemeral
// X25519 exchange, HKDF-SHA256 key expansion and a ChaCha20-Poly1305
// channel whose nonces come from per-direction sequence numbers.
package crypto
