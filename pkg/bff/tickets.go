package bff

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TicketTokens is the token pair handed back through a dev ticket.
type TicketTokens struct {
	AccessToken  string
	RefreshToken string
}

type ticket struct {
	tokens    TicketTokens
	expiresAt time.Time
}

// TicketStore is the consume-once, in-memory store behind the
// development token exchange. Tickets do not survive a restart.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[string]ticket
	ttl     time.Duration
	now     func() time.Time
}

// NewTicketStore creates a ticket store with the given ticket TTL.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TicketStore{
		tickets: make(map[string]ticket),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue stores the token pair and returns an opaque ticket id.
func (s *TicketStore) Issue(tokens TicketTokens) string {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[id] = ticket{tokens: tokens, expiresAt: s.now().Add(s.ttl)}
	return id
}

// Consume returns and removes the token pair for id. A ticket can be
// consumed at most once.
func (s *TicketStore) Consume(id string) (TicketTokens, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return TicketTokens{}, false
	}
	delete(s.tickets, id)
	if s.now().After(t.expiresAt) {
		return TicketTokens{}, false
	}
	return t.tokens, true
}

// Sweep drops expired tickets and returns how many were removed.
func (s *TicketStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, t := range s.tickets {
		if now.After(t.expiresAt) {
			delete(s.tickets, id)
			removed++
		}
	}
	return removed
}
