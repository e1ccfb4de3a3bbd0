package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"heliowatch/internal/models"

	"github.com/go-redis/redis/v8"
)

// Cache is a TTL cache for derived metrics, owned by the caller and
// passed in explicitly. Stale entries expire; the database stays the
// source of truth.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a cache around an existing Redis client
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func baselineKey(plantID string, ts time.Time) string {
	return fmt.Sprintf("baseline:%s:%d", plantID, ts.UTC().Unix())
}

func gapKey(plantID string, ts time.Time) string {
	return fmt.Sprintf("gap:%s:%d", plantID, ts.UTC().Unix())
}

// SetBaseline caches a computed baseline forecast
func (c *Cache) SetBaseline(ctx context.Context, b models.BaselineForecast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	return c.client.Set(ctx, baselineKey(b.PlantID, b.Timestamp), data, c.ttl).Err()
}

// GetBaseline returns the cached baseline or nil on a miss
func (c *Cache) GetBaseline(ctx context.Context, plantID string, ts time.Time) (*models.BaselineForecast, error) {
	data, err := c.client.Get(ctx, baselineKey(plantID, ts)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var b models.BaselineForecast
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached baseline: %w", err)
	}
	return &b, nil
}

// SetGap caches a computed performance gap
func (c *Cache) SetGap(ctx context.Context, g models.PerformanceGap) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal gap: %w", err)
	}
	return c.client.Set(ctx, gapKey(g.PlantID, g.Timestamp), data, c.ttl).Err()
}

// GetGap returns the cached gap or nil on a miss
func (c *Cache) GetGap(ctx context.Context, plantID string, ts time.Time) (*models.PerformanceGap, error) {
	data, err := c.client.Get(ctx, gapKey(plantID, ts)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var g models.PerformanceGap
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached gap: %w", err)
	}
	return &g, nil
}

// Ping checks Redis availability
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
