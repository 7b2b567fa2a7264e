// Package redis is the session store variant for deployments that want turn
// history to survive process restarts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/croquery/croquery/internal/session"
)

// Store keeps each session's turns in a Redis list under
// "session:<id>:turns" with a sliding TTL.
type Store struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewStore connects to Redis and returns the store.
func NewStore(addr, password string, db, maxTurns int, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", addr, err)
	}
	if maxTurns <= 0 {
		maxTurns = session.DefaultMaxTurns
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, maxTurns: maxTurns, ttl: ttl}, nil
}

func turnsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:turns", sessionID)
}

func (s *Store) Append(ctx context.Context, sessionID string, turn session.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	key := turnsKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, sessionID string) ([]session.Turn, error) {
	raw, err := s.client.LRange(ctx, turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	turns := make([]session.Turn, 0, len(raw))
	for _, item := range raw {
		var turn session.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, turnsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "session:*:turns", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, key := range keys {
			id := strings.TrimSuffix(strings.TrimPrefix(key, "session:"), ":turns")
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
