package verify

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
)

// Judgment is the LLM's reading of how well an excerpt covers a struggle.
// It is cached instead of the final status so policy changes still apply.
type Judgment struct {
	Coverage   string  `json:"coverage" validate:"required,oneof=brief thorough unclear"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Rationale  string  `json:"rationale"`
}

// Cache stores judgments keyed by CacheKey.
type Cache interface {
	Get(ctx context.Context, key string) (Judgment, bool, error)
	Set(ctx context.Context, key string, j Judgment) error
}

// CacheKey derives the cache key for a topic, struggle and excerpt.
func CacheKey(topic, struggle, excerpt string) string {
	sum := sha256.Sum256([]byte(topic + "|" + struggle + "|" + excerpt))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Judgment
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Judgment)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Judgment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.entries[key]
	return j, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, j Judgment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = j
	return nil
}

// Len returns the number of cached judgments.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

const redisKeyPrefix = "gapfinder:verdict:"

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// RedisCache shares judgments across processes through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A zero ttl keeps entries forever.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (Judgment, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Judgment{}, false, nil
	}
	if err != nil {
		return Judgment{}, false, fmt.Errorf("failed to get verdict: %w", err)
	}

	var j Judgment
	if err := json.Unmarshal(data, &j); err != nil {
		return Judgment{}, false, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return j, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, j Judgment) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}
