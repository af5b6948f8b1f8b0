package kadnet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/routing"
	"github.com/TheusHen/kadnet/kadnet/storage"
)

func (n *Node) registerHandlers() {
	n.router.Handle(protocol.MessageTypePing, n.handlePing)
	n.router.Handle(protocol.MessageTypeFindNode, n.handleFindNode)
	n.router.Handle(protocol.MessageTypeStore, n.handleStore)
	n.router.Handle(protocol.MessageTypeFindValue, n.handleFindValue)
}

func (n *Node) selfRecord() protocol.PeerRecord {
	return protocol.PeerRecord{ID: n.id, Version: protocol.Version, Addrs: n.Addrs()}
}

// closestRecords answers with at most k peers, never including the asker.
func (n *Node) closestRecords(target, asker identity.PeerID) []protocol.PeerRecord {
	peers := n.table.FindClosest(target, n.cfg.K+1)
	out := make([]protocol.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if p.ID == asker {
			continue
		}
		if len(out) == n.cfg.K {
			break
		}
		out = append(out, p.Record())
	}
	return out
}

func (n *Node) handlePing(_ context.Context, from identity.PeerID, m protocol.Message) ([]byte, error) {
	rec, err := protocol.DecodePeerRecord(m.Body)
	if err != nil {
		return nil, err
	}
	if rec.ID != from {
		return nil, fmt.Errorf("ping record for %s sent by %s", rec.ID.ShortString(), from.ShortString())
	}
	return protocol.EncodePeerRecord(n.selfRecord()), nil
}

func (n *Node) handleFindNode(_ context.Context, from identity.PeerID, m protocol.Message) ([]byte, error) {
	target, err := protocol.DecodeFindNode(m.Body)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeNodes(n.closestRecords(target, from)), nil
}

func (n *Node) handleStore(ctx context.Context, from identity.PeerID, m protocol.Message) ([]byte, error) {
	key, value, err := protocol.DecodeStore(m.Body)
	if err != nil {
		return nil, err
	}
	if err := n.store.Put(ctx, key, value); err != nil {
		return nil, err
	}
	n.log.WithFields(logrus.Fields{"from": from.ShortString(), "bytes": len(value)}).Debug("value stored")
	return nil, nil
}

func (n *Node) handleFindValue(ctx context.Context, from identity.PeerID, m protocol.Message) ([]byte, error) {
	if len(m.Body) == 0 {
		return nil, fmt.Errorf("%w: empty key", protocol.ErrMalformed)
	}
	v, err := n.store.Get(ctx, m.Body)
	switch {
	case err == nil:
		return protocol.EncodeValue(protocol.ValueReply{Found: true, Value: v}), nil
	case errors.Is(err, storage.ErrNotFound):
		nodes := n.closestRecords(storage.KeyTarget(m.Body), from)
		return protocol.EncodeValue(protocol.ValueReply{Nodes: nodes}), nil
	default:
		return nil, err
	}
}

// ping is the routing table's liveness check.
func (n *Node) ping(ctx context.Context, p routing.PeerInfo) error {
	if err := n.connected(ctx, p); err != nil {
		return err
	}
	resp, err := n.router.Request(ctx, p.ID, protocol.MessageTypePing, protocol.EncodePeerRecord(n.selfRecord()))
	if err != nil {
		return err
	}
	rec, err := protocol.DecodePeerRecord(resp.Body)
	if err != nil {
		return err
	}
	if rec.ID != p.ID {
		return fmt.Errorf("%w: pong from %s", ErrPeerIDMismatch, rec.ID.ShortString())
	}
	return nil
}

// querier runs FindNode against remote peers for iterative lookups.
type querier struct{ n *Node }

func (q querier) FindNode(ctx context.Context, p routing.PeerInfo, target identity.PeerID) ([]routing.PeerInfo, error) {
	if err := q.n.connected(ctx, p); err != nil {
		return nil, err
	}
	resp, err := q.n.router.Request(ctx, p.ID, protocol.MessageTypeFindNode, protocol.EncodeFindNode(target))
	if err != nil {
		return nil, err
	}
	recs, err := protocol.DecodeNodes(resp.Body)
	if err != nil {
		return nil, err
	}
	out := make([]routing.PeerInfo, len(recs))
	for i, r := range recs {
		out[i] = routing.FromRecord(r)
	}
	return out, nil
}

// PutValue stores value locally and replicates it to the k peers closest to
// the key. It returns how many remote peers accepted it.
func (n *Node) PutValue(ctx context.Context, key, value []byte) (int, error) {
	if err := n.running(); err != nil {
		return 0, err
	}
	if err := n.store.Put(ctx, key, value); err != nil {
		return 0, err
	}
	res := n.discovery.Lookup(ctx, storage.KeyTarget(key))

	body := protocol.EncodeStore(key, value)
	var stored atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Alpha)
	for _, p := range res.Peers {
		p := p
		g.Go(func() error {
			if err := n.connected(gctx, p); err != nil {
				return nil
			}
			if _, err := n.router.Request(gctx, p.ID, protocol.MessageTypeStore, body); err != nil {
				n.log.WithField("peer", p.ID.ShortString()).WithError(err).Debug("store rejected")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	n.log.WithFields(logrus.Fields{"replicas": stored.Load(), "candidates": len(res.Peers)}).Debug("value published")
	return int(stored.Load()), ctx.Err()
}

// GetValue returns the value for key from the local store or the closest
// peers holding it.
func (n *Node) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	if v, err := n.store.Get(ctx, key); err == nil {
		return v, nil
	}
	target := storage.KeyTarget(key)
	asked := map[identity.PeerID]bool{}
	candidates := n.discovery.Lookup(ctx, target).Peers
	for len(candidates) > 0 && len(asked) < 2*n.cfg.K && ctx.Err() == nil {
		p := candidates[0]
		candidates = candidates[1:]
		if asked[p.ID] || p.ID == n.id {
			continue
		}
		asked[p.ID] = true
		if err := n.connected(ctx, p); err != nil {
			continue
		}
		resp, err := n.router.Request(ctx, p.ID, protocol.MessageTypeFindValue, key)
		if err != nil {
			continue
		}
		reply, err := protocol.DecodeValue(resp.Body)
		if err != nil {
			continue
		}
		if reply.Found {
			return reply.Value, nil
		}
		for _, r := range reply.Nodes {
			if !asked[r.ID] {
				candidates = append(candidates, routing.FromRecord(r))
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %x", ErrValueNotFound, target[:4])
}
