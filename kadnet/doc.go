// Package kadnet is a peer-to-peer overlay: Ed25519 peer identities,
// authenticated and encrypted multiplexed connections over pluggable
// transports, a Kademlia routing table with iterative lookups, local-segment
// discovery, direct request/response messaging and TTL-bounded broadcast.
//
// Node is the entry point; the subpackages can be used on their own.
package kadnet
