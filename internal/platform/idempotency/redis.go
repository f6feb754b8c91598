package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisKeyPrefix  = "idempotency:"
	defaultRedisMaxRetries = 3
)

// RedisOption customises the RedisStore behaviour.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix namespaces keys written by the store.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(store *RedisStore) {
		if prefix != "" {
			store.prefix = prefix
		}
	}
}

// RedisStore implements Store on Redis. Records are JSON values whose TTL is the record expiry,
// so CleanupExpired has nothing to do. Updates run under WATCH so concurrent checkout attempts
// with the same key observe a single winner.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:     client,
		prefix:     defaultRedisKeyPrefix,
		maxRetries: defaultRedisMaxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

type redisRecord struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

// Reserve implements the Store interface.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now, ttl = now.UTC(), normalizeTTL(ttl)
	redisKey := s.redisKey(key)

	var result Reservation
	err := s.watch(ctx, redisKey, func(tx *redis.Tx) error {
		existing, found, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		res, write, err := reserve(existing, found, key, fingerprint, now, ttl)
		if err != nil {
			return err
		}
		if write {
			if err := s.store(ctx, tx, redisKey, res.Record, ttl); err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	return result, err
}

// SaveResponse implements the Store interface.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now, ttl = now.UTC(), normalizeTTL(ttl)
	redisKey := s.redisKey(key)

	return s.watch(ctx, redisKey, func(tx *redis.Tx) error {
		existing, found, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		record, err := complete(existing, found, key, fingerprint, resp, now, ttl)
		if err != nil {
			return err
		}
		return s.store(ctx, tx, redisKey, record, ttl)
	})
}

// Release implements the Store interface.
func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// CleanupExpired is a no-op; Redis expires records itself.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Ping implements the Store interface.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + recordID(key)
}

// watch runs fn under WATCH on key, retrying when another client wins the race.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("idempotency: redis transaction for %s kept conflicting", key)
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, key string) (Record, bool, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var record redisRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode redis record: %w", err)
	}
	return Record(record), true, nil
}

func (s *RedisStore) store(ctx context.Context, tx *redis.Tx, key string, record Record, ttl time.Duration) error {
	payload, err := json.Marshal(redisRecord(record))
	if err != nil {
		return fmt.Errorf("idempotency: encode redis record: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, ttl)
		return nil
	})
	return err
}
