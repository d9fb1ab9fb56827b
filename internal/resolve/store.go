package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const storeKeyPrefix = "billsync:entity"

// Store persists resolved entries across runs.
type Store interface {
	Get(ctx context.Context, kind Kind, name string) (Entry, bool, error)
	Set(ctx context.Context, kind Kind, name string, e Entry) error
}

// RedisStore keeps entries as JSON in Redis. A nil client makes every call a no-op.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore instantiates the store; ttl 0 keeps entries forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func storeKey(kind Kind, name string) string {
	return fmt.Sprintf("%s:%s:%s", storeKeyPrefix, kind, name)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, kind Kind, name string) (Entry, bool, error) {
	if s == nil || s.client == nil {
		return Entry{}, false, nil
	}
	raw, err := s.client.Get(ctx, storeKey(kind, name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("resolve: decode cached %s: %w", kind, err)
	}
	return e, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, kind Kind, name string, e Entry) error {
	if s == nil || s.client == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, storeKey(kind, name), raw, s.ttl).Err()
}
