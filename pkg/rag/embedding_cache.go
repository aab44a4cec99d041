package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// embeddingCacheKeyPrefix namespaces cache keys so a shared Redis can serve
// other tenants.
const embeddingCacheKeyPrefix = "ragpipe:embedding:"

// EmbeddingCacheMetrics tracks cache effectiveness.
type EmbeddingCacheMetrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// EmbeddingCache is a Redis-backed cache of embedding vectors keyed by
// model and text hash. It is strictly best-effort: any Redis failure is a
// miss, never an embedding failure. A nil *EmbeddingCache is a valid no-op
// cache.
type EmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	metrics EmbeddingCacheMetrics
}

type embeddingCacheEntry struct {
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEmbeddingCache connects to Redis and verifies the connection. A nil
// config uses the defaults.
func NewEmbeddingCache(config *CacheConfig) (*EmbeddingCache, error) {
	cfg := getDefaultCacheConfig()
	if config != nil {
		cfg = *config
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	cache := &EmbeddingCache{
		client: client,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		logger: slog.Default().With("component", "embedding-cache"),
	}
	cache.logger.Info("embedding cache connected", "address", cfg.Address, "database", cfg.Database)
	return cache, nil
}

// Get returns the cached vector for (text, model), or false on a miss.
func (c *EmbeddingCache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, c.key(text, model)).Result()
	if err != nil {
		if err == redis.Nil {
			c.record(func(m *EmbeddingCacheMetrics) { m.Misses++ })
		} else {
			c.logger.Warn("cache get failed", "error", err)
			c.record(func(m *EmbeddingCacheMetrics) { m.Errors++; m.Misses++ })
		}
		return nil, false
	}

	var entry embeddingCacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.Warn("failed to unmarshal cache entry", "error", err)
		c.record(func(m *EmbeddingCacheMetrics) { m.Errors++; m.Misses++ })
		return nil, false
	}

	c.record(func(m *EmbeddingCacheMetrics) { m.Hits++ })
	return entry.Embedding, true
}

// Put stores a vector under (text, model) with the configured TTL.
func (c *EmbeddingCache) Put(ctx context.Context, text, model string, embedding []float32) {
	if c == nil {
		return
	}

	data, err := json.Marshal(embeddingCacheEntry{
		Text:      text,
		Model:     model,
		Embedding: embedding,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.record(func(m *EmbeddingCacheMetrics) { m.Errors++ })
		return
	}

	if err := c.client.Set(ctx, c.key(text, model), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "error", err)
		c.record(func(m *EmbeddingCacheMetrics) { m.Errors++ })
		return
	}
	c.record(func(m *EmbeddingCacheMetrics) { m.Sets++ })
}

// key hashes the text so key length stays bounded regardless of chunk size.
func (c *EmbeddingCache) key(text, model string) string {
	return embeddingCacheKeyPrefix + model + ":" + hashContent(text)
}

func (c *EmbeddingCache) record(update func(*EmbeddingCacheMetrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.metrics)
	if total := c.metrics.Hits + c.metrics.Misses; total > 0 {
		c.metrics.HitRate = float64(c.metrics.Hits) / float64(total)
	}
}

// Metrics returns a snapshot of the cache counters.
func (c *EmbeddingCache) Metrics() EmbeddingCacheMetrics {
	if c == nil {
		return EmbeddingCacheMetrics{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close releases the Redis connection.
func (c *EmbeddingCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
