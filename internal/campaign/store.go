package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists per-session campaign state.
type Store interface {
	// Get returns the state for a session. Unknown sessions yield a fresh
	// empty state, never an error.
	Get(ctx context.Context, sessionID string) (*State, error)
	// Put saves the state for a session.
	Put(ctx context.Context, sessionID string, s *State) error
	// Delete removes the state for a session.
	Delete(ctx context.Context, sessionID string) error
}

const (
	sessionKeyPrefix  = "batchmailer:session:"
	defaultSessionTTL = 24 * time.Hour
)

// RedisStore keeps session state as JSON values in Redis with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session state store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Get loads session state. Missing keys and corrupt payloads both map to
// an empty state so a damaged session degrades to "start over" rather
// than an outage.
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*State, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		log.Printf("Corrupt session state for %s, resetting: %v", sessionID, err)
		return &State{}, nil
	}
	return &s, nil
}

// Put stores session state and refreshes the session TTL.
func (r *RedisStore) Put(ctx context.Context, sessionID string, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(sessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Delete removes session state.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	return nil
}
