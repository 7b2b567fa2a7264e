// Package session keeps the bounded per-session conversation history the
// planner consumes for conversational context.
package session

import (
	"context"
	"time"
)

// DefaultMaxTurns is how many turns a session retains.
const DefaultMaxTurns = 5

// Turn is one completed question/answer exchange.
type Turn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the session-memory contract. Implementations must serialize
// concurrent access per session id.
type Store interface {
	// Append records a turn and trims the session to its retention bound.
	Append(ctx context.Context, sessionID string, turn Turn) error
	// History returns the retained turns, oldest first.
	History(ctx context.Context, sessionID string) ([]Turn, error)
	// Clear removes a session entirely.
	Clear(ctx context.Context, sessionID string) error
	// List returns the ids of all live sessions.
	List(ctx context.Context) ([]string, error)
}
