package router

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
)

// pendingQuery waits for the reply to one Request.
type pendingQuery struct {
	peer  identity.PeerID
	reply chan protocol.Message
	err   chan error
}

type pendingSet struct {
	mu      sync.Mutex
	queries map[uuid.UUID]*pendingQuery
}

func newPendingSet() *pendingSet {
	return &pendingSet{queries: map[uuid.UUID]*pendingQuery{}}
}

// register returns the query and a cleanup that forgets it.
func (s *pendingSet) register(id uuid.UUID, peer identity.PeerID) (*pendingQuery, func()) {
	q := &pendingQuery{
		peer:  peer,
		reply: make(chan protocol.Message, 1),
		err:   make(chan error, 1),
	}
	s.mu.Lock()
	s.queries[id] = q
	s.mu.Unlock()
	return q, func() {
		s.mu.Lock()
		delete(s.queries, id)
		s.mu.Unlock()
	}
}

// resolve hands m to the query it answers. Replies from anyone but the
// queried peer are ignored.
func (s *pendingSet) resolve(from identity.PeerID, m protocol.Message) bool {
	s.mu.Lock()
	q, ok := s.queries[m.QueryID]
	if ok && q.peer == from {
		delete(s.queries, m.QueryID)
	}
	s.mu.Unlock()
	if !ok || q.peer != from {
		return false
	}
	q.reply <- m
	return true
}

// failPeer aborts every query waiting on peer.
func (s *pendingSet) failPeer(peer identity.PeerID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, q := range s.queries {
		if q.peer == peer {
			delete(s.queries, id)
			q.err <- err
		}
	}
}

func (s *pendingSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}
