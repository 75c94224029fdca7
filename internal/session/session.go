// Package session tracks per-client request sequence numbers so that a
// retried mutation returns the response of its first execution instead of
// running twice.
package session

import (
	"sync"

	"github.com/rs/zerolog"

	"buddymirror/internal/errcode"
	"buddymirror/internal/wire"
)

type slot struct {
	done     bool
	response *wire.Envelope
}

type client struct {
	slots map[uint64]*slot
}

// Store holds the sequence-number slots of all clients.
type Store struct {
	mu      sync.Mutex
	clients map[string]*client
	logger  zerolog.Logger
}

// NewStore creates an empty session store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		clients: make(map[string]*client),
		logger:  logger.With().Str("component", "sessions").Logger(),
	}
}

// Begin claims seq for clientID. If seq already completed, the cached
// response is returned and the caller must not execute again. If seq is
// still running elsewhere Begin fails with Again.
func (s *Store) Begin(clientID string, seq uint64) (*wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.clients[clientID]
	if c == nil {
		c = &client{slots: make(map[uint64]*slot)}
		s.clients[clientID] = c
	}
	if sl, ok := c.slots[seq]; ok {
		if !sl.done {
			return nil, errcode.ErrAgain.WithMessagef("client %s seq %d in progress", clientID, seq)
		}
		s.logger.Debug().Str("client", clientID).Uint64("seq", seq).Msg("Replaying cached response")
		return sl.response, nil
	}
	c.slots[seq] = &slot{}
	return nil, nil
}

// Finish stores the response of seq. A slot dropped by Clear in the meantime
// is not recreated.
func (s *Store) Finish(clientID string, seq uint64, resp *wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.clients[clientID]
	if c == nil {
		return
	}
	sl, ok := c.slots[seq]
	if !ok {
		return
	}
	sl.done = true
	sl.response = resp
}

// Abandon releases an unfinished slot so the client may retry seq.
func (s *Store) Abandon(clientID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.clients[clientID]; c != nil {
		if sl, ok := c.slots[seq]; ok && !sl.done {
			delete(c.slots, seq)
		}
	}
}

// Ack drops every completed slot of clientID up to and including seqDone.
func (s *Store) Ack(clientID string, seqDone uint64) {
	if seqDone == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.clients[clientID]
	if c == nil {
		return
	}
	for seq, sl := range c.slots {
		if seq <= seqDone && sl.done {
			delete(c.slots, seq)
		}
	}
	if len(c.slots) == 0 {
		delete(s.clients, clientID)
	}
}

// Clear drops all sessions and returns how many clients were known.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.clients)
	s.clients = make(map[string]*client)
	if n > 0 {
		s.logger.Info().Int("clients", n).Msg("Cleared client sessions")
	}
	return n
}

// Len returns the number of clients with open slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
