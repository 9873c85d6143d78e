package convstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix   = "conversation:"
	userMapKeyPrefix = "user_conversation_map:"
)

// Store persists conversation state in Redis with TTLs. The user map
// key outlives the state key so an expired conversation resolves to a
// dangling ID, which callers treat as "start fresh", never as an error.
type Store struct {
	rdb        *redis.Client
	stateTTL   time.Duration
	userMapTTL time.Duration
}

// NewStore creates a state store over an injected Redis client.
func NewStore(rdb *redis.Client, stateTTL, userMapTTL time.Duration) *Store {
	if stateTTL <= 0 {
		stateTTL = 24 * time.Hour
	}
	if userMapTTL <= 0 {
		userMapTTL = 7 * 24 * time.Hour
	}
	return &Store{rdb: rdb, stateTTL: stateTTL, userMapTTL: userMapTTL}
}

// Get loads a conversation state. A missing key returns (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*State, error) {
	raw, err := s.rdb.Get(ctx, stateKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &state, nil
}

// Save writes the state with the configured TTL. Plain SET: no
// compare-and-swap, concurrent turns on the same ID can lose updates.
func (s *Store) Save(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", state.ID, err)
	}
	if err := s.rdb.Set(ctx, stateKeyPrefix+state.ID, raw, s.stateTTL).Err(); err != nil {
		return fmt.Errorf("save conversation %s: %w", state.ID, err)
	}
	return nil
}

// Delete removes a conversation state, e.g. after archiving.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, stateKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// MapUser points a tenant user at their live conversation.
func (s *Store) MapUser(ctx context.Context, tenantID, userID, conversationID string) error {
	key := userMapKey(tenantID, userID)
	if err := s.rdb.Set(ctx, key, conversationID, s.userMapTTL).Err(); err != nil {
		return fmt.Errorf("map user %s/%s: %w", tenantID, userID, err)
	}
	return nil
}

// ResolveUser returns the conversation ID mapped to a tenant user, or
// "" when no mapping exists.
func (s *Store) ResolveUser(ctx context.Context, tenantID, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, userMapKey(tenantID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve user %s/%s: %w", tenantID, userID, err)
	}
	return id, nil
}

func userMapKey(tenantID, userID string) string {
	return userMapKeyPrefix + tenantID + ":" + userID
}
