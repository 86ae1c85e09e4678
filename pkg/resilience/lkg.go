package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is one cached last-known-good response body.
type Snapshot struct {
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body"`
	CapturedAt time.Time      `json:"captured_at"`
}

// Cache stores last-known-good snapshots per endpoint. A miss returns
// (nil, nil); degraded responses fall back to the well-known empty shape.
type Cache interface {
	Put(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, endpoint string) (*Snapshot, error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]*Snapshot)}
}

func (c *MemoryCache) Put(_ context.Context, snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *snap
	c.snaps[snap.Endpoint] = &cp
	return nil
}

func (c *MemoryCache) Get(_ context.Context, endpoint string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[endpoint]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// RedisCache shares last-known-good snapshots across replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a redis client. ttl bounds snapshot staleness; zero
// means no expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func lkgKey(endpoint string) string { return "procguard:lkg:" + endpoint }

func (c *RedisCache) Put(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, lkgKey(snap.Endpoint), raw, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, endpoint string) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, lkgKey(endpoint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
