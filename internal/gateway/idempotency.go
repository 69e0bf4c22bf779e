package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cgast/missionctl/pkg/tool"
)

// Idempotency entry states.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
)

// Entry is what the gateway remembers about one idempotency key.
type Entry struct {
	State    string         `json:"state"`
	Response *tool.Response `json:"response,omitempty"`
}

// IdempotencyStore reserves keys for in-flight mutations and replays
// completed responses.
type IdempotencyStore interface {
	// Begin reserves key. When the key is already held it returns the
	// existing entry and false.
	Begin(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error)
	Complete(ctx context.Context, key string, resp tool.Response, ttl time.Duration) error
	// Release drops a reservation so the caller may retry.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	Entry
	expires time.Time
}

// MemoryIdempotencyStore keeps entries in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryIdempotencyStore returns an empty store. A nil clock uses time.Now.
func NewMemoryIdempotencyStore(now func() time.Time) *MemoryIdempotencyStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), now: now}
}

func (s *MemoryIdempotencyStore) Begin(_ context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return e.Entry, false, nil
	}
	s.entries[key] = memoryEntry{Entry: Entry{State: StateProcessing}, expires: now.Add(ttl)}
	return Entry{State: StateProcessing}, true, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, key string, resp tool.Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{
		Entry:   Entry{State: StateCompleted, Response: &resp},
		expires: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RedisIdempotencyStore shares entries between gateway replicas.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisIdempotencyStore stores entries under prefix (default "idem:").
func NewRedisIdempotencyStore(client redis.Cmdable, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	processing, err := json.Marshal(Entry{State: StateProcessing})
	if err != nil {
		return Entry{}, false, err
	}
	k := s.prefix + key
	// The key can expire between SETNX and GET; one more round settles it.
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, k, processing, ttl).Result()
		if err != nil {
			return Entry{}, false, fmt.Errorf("redis setnx %s: %w", k, err)
		}
		if ok {
			return Entry{State: StateProcessing}, true, nil
		}
		raw, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Entry{}, false, fmt.Errorf("redis get %s: %w", k, err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return Entry{}, false, fmt.Errorf("decode idempotency entry %s: %w", k, err)
		}
		return e, false, nil
	}
	return Entry{State: StateProcessing}, false, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, resp tool.Response, ttl time.Duration) error {
	data, err := json.Marshal(Entry{State: StateCompleted, Response: &resp})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.prefix+key, err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.prefix+key, err)
	}
	return nil
}
