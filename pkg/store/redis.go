package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the snapshot when no key is configured.
const DefaultRedisKey = "chatgate:snapshot"

// RedisClient is the subset of the go-redis client the store uses.
// redis.UniversalClient satisfies it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr   string
	Key    string
	Client RedisClient // overrides Addr when set
}

// RedisStore keeps the snapshot as a single JSON value; SET replaces it atomically.
type RedisStore struct {
	rdb RedisClient
	key string
	mu  sync.Mutex
}

// NewRedisStore connects to Redis.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	rdb := opts.Client
	if rdb == nil {
		if opts.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		rdb = redis.NewClient(&redis.Options{Addr: opts.Addr})
	}
	key := opts.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key}, nil
}

// Load fetches the snapshot. A missing key is an empty snapshot.
// An unparsable value is renamed to <key>:corrupt-<timestamp>.
func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to read snapshot from redis: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		quarantine := fmt.Sprintf("%s:corrupt-%s", s.key, time.Now().UTC().Format("20060102-150405"))
		if renameErr := s.rdb.Rename(ctx, s.key, quarantine).Err(); renameErr != nil {
			return Snapshot{}, fmt.Errorf("unparsable snapshot could not be moved aside: %v: %w", err, renameErr)
		}
		return Snapshot{}, fmt.Errorf("%w: %v (moved to %s)", ErrCorruptStore, err, quarantine)
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return snapshot, nil
}

// Save overwrites the snapshot key.
func (s *RedisStore) Save(ctx context.Context, snapshot Snapshot) error {
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot to redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
