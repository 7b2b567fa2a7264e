// Package inmemory is the default process-local session store.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/croquery/croquery/internal/session"
)

// Store keeps turn history in a mutex-guarded map. History lives for the
// process lifetime only.
type Store struct {
	mu       sync.RWMutex
	turns    map[string][]session.Turn
	maxTurns int
}

// NewStore creates an in-memory session store retaining maxTurns per
// session (DefaultMaxTurns when non-positive).
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = session.DefaultMaxTurns
	}
	return &Store{
		turns:    make(map[string][]session.Turn),
		maxTurns: maxTurns,
	}
}

func (s *Store) Append(ctx context.Context, sessionID string, turn session.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.turns[sessionID], turn)
	if len(history) > s.maxTurns {
		history = history[len(history)-s.maxTurns:]
	}
	s.turns[sessionID] = history
	return nil
}

func (s *Store) History(ctx context.Context, sessionID string) ([]session.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.turns[sessionID]
	out := make([]session.Turn, len(history))
	copy(out, history)
	return out, nil
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
