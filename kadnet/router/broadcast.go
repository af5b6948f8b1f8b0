package router

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

var ErrInvalidTTL = errors.New("router: broadcast ttl must be positive")

// Broadcast floods payload with the configured TTL.
func (r *Router) Broadcast(ctx context.Context, payload []byte) (protocol.BroadcastID, error) {
	return r.BroadcastTTL(ctx, payload, r.cfg.BroadcastTTL)
}

// BroadcastTTL floods payload to every attached peer; each hop forwards it
// while the decremented TTL stays positive.
func (r *Router) BroadcastTTL(ctx context.Context, payload []byte, ttl uint8) (protocol.BroadcastID, error) {
	if ttl == 0 {
		return protocol.BroadcastID{}, ErrInvalidTTL
	}
	var n [8]byte
	if _, err := rand.Read(n[:]); err != nil {
		return protocol.BroadcastID{}, err
	}
	b := protocol.Broadcast{
		Origin:  r.cfg.Self,
		Nonce:   binary.BigEndian.Uint64(n[:]),
		TTL:     ttl,
		Payload: payload,
	}
	b.ID = protocol.NewBroadcastID(payload, b.Origin, b.Nonce)
	r.markSeen(b.ID)

	msg := protocol.Message{Type: protocol.MessageTypeBroadcast, Body: protocol.EncodeBroadcast(b)}
	r.mu.RLock()
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.RUnlock()

	sent := 0
	for _, l := range links {
		if err := l.enqueue(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return b.ID, ctx.Err()
			}
			continue
		}
		sent++
	}
	r.cfg.Metrics.Broadcast("originated")
	r.log.WithFields(logrus.Fields{"id": shortID(b.ID), "ttl": ttl, "peers": sent}).Debug("broadcast sent")
	return b.ID, nil
}

// markSeen records id and reports whether it was new.
func (r *Router) markSeen(id protocol.BroadcastID) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seen.Contains(id) {
		return false
	}
	r.seen.Add(id, struct{}{})
	return true
}

func (r *Router) handleBroadcast(from *link, body []byte) error {
	b, err := protocol.DecodeBroadcast(body)
	if err != nil {
		return err
	}
	if b.TTL == 0 || !b.Valid() {
		return fmt.Errorf("%w: invalid broadcast", transport.ErrProtocolViolation)
	}
	if !r.markSeen(b.ID) {
		r.cfg.Metrics.Broadcast("duplicate")
		return nil
	}
	r.cfg.Metrics.Broadcast("delivered")
	r.deliver(Delivery{
		Type:    protocol.MessageTypeBroadcast,
		From:    from.peer,
		Origin:  b.Origin,
		Payload: b.Payload,
		ID:      b.ID,
	})

	if b.TTL-1 == 0 {
		return nil
	}
	b.TTL--
	r.relay(b, from.peer)
	return nil
}

// relay forwards without blocking the read pump; a full send queue drops.
func (r *Router) relay(b protocol.Broadcast, except identity.PeerID) {
	msg := protocol.Message{Type: protocol.MessageTypeBroadcast, Body: protocol.EncodeBroadcast(b)}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, l := range r.links {
		if id == except || id == b.Origin {
			continue
		}
		if l.tryEnqueue(msg) {
			r.cfg.Metrics.Broadcast("forwarded")
		} else {
			r.cfg.Metrics.Dropped("broadcast")
		}
	}
}

func shortID(id protocol.BroadcastID) string {
	return fmt.Sprintf("%x", id[:4])
}
