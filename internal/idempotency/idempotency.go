// Package idempotency deduplicates document submissions that carry an
// Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/model"
)

// Store remembers which instance a keyed submission created.
type Store interface {
	// Check returns the instance ID stored under key. A key reused with a
	// different request hash is a CONFLICT.
	Check(ctx context.Context, key, requestHash string) (instanceID string, found bool, err error)

	// Put records instanceID under key for ttl.
	Put(ctx context.Context, key, requestHash, instanceID string, ttl time.Duration) error
}

type entry struct {
	RequestHash string `json:"request_hash"`
	InstanceID  string `json:"instance_id"`
}

func (e entry) verify(key, requestHash string) (string, bool, error) {
	if e.RequestHash != requestHash {
		return "", true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with a different request", key),
		)
	}
	return e.InstanceID, true, nil
}

// Key builds the storage key for a submitter's Idempotency-Key. Keys are
// scoped per submitter so two callers cannot collide.
func Key(submittedBy, key string) string {
	return fmt.Sprintf("idem:submit:%s:%s", submittedBy, key)
}

// HashRequest returns a stable hash of a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is an in-process Store with TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryStore{clock: clk, entries: make(map[string]memEntry)}
}

// Check looks up key, dropping it if expired.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.data.verify(key, requestHash)
}

// Put stores instanceID under key.
func (s *MemoryStore) Put(_ context.Context, key, requestHash, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{RequestHash: requestHash, InstanceID: instanceID},
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet checked.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore keeps entries in Redis with a native TTL, so replicas share
// deduplication state.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up key in Redis.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.verify(key, requestHash)
}

// Put stores instanceID under key with ttl.
func (s *RedisStore) Put(ctx context.Context, key, requestHash, instanceID string, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, InstanceID: instanceID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
