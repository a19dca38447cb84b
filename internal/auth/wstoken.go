package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// WSTicketTTL is how long a ticket is valid
	WSTicketTTL = 30 * time.Second
	// WSTicketLength is the byte length of the ticket (hex encoded to 2x)
	WSTicketLength = 32
)

// WSTicketStore issues one-time tickets for websocket connections
type WSTicketStore struct {
	mu      sync.Mutex
	tickets map[string]wsTicket
	now     func() time.Time
}

type wsTicket struct {
	principal Principal
	createdAt time.Time
}

// NewWSTicketStore creates a ticket store
func NewWSTicketStore() *WSTicketStore {
	return &WSTicketStore{
		tickets: make(map[string]wsTicket),
		now:     time.Now,
	}
}

// Generate creates a new one-time ticket for p
func (s *WSTicketStore) Generate(p *Principal) (string, error) {
	bytes := make([]byte, WSTicketLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	ticket := hex.EncodeToString(bytes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup()
	s.tickets[ticket] = wsTicket{principal: *p, createdAt: s.now()}
	return ticket, nil
}

// Validate consumes a ticket and returns its principal
func (s *WSTicketStore) Validate(ticket string) (*Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tickets[ticket]
	if !ok {
		return nil, false
	}
	delete(s.tickets, ticket)

	if s.now().Sub(entry.createdAt) > WSTicketTTL {
		return nil, false
	}
	p := entry.principal
	return &p, true
}

// cleanup removes expired tickets. Caller holds mu.
func (s *WSTicketStore) cleanup() {
	now := s.now()
	for ticket, entry := range s.tickets {
		if now.Sub(entry.createdAt) > WSTicketTTL {
			delete(s.tickets, ticket)
		}
	}
}
