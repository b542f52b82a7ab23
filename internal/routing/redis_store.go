package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nerve:session:"

// RedisStore shares session state across replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a store over an existing client. Entries expire ttl
// after last write.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (SessionState, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionState{}, false, nil
	}
	if err != nil {
		return SessionState{}, false, fmt.Errorf("sessions: redis get: %w", err)
	}
	var state SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return SessionState{}, false, fmt.Errorf("sessions: decode state: %w", err)
	}
	return state, true, nil
}

func (r *RedisStore) Put(ctx context.Context, state SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("sessions: empty session id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sessions: encode state: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+state.SessionID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("sessions: redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("sessions: redis del: %w", err)
	}
	return nil
}
