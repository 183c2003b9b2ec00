package geo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// CachedResolver memoizes Nearby results for a TTL. Coordinates are rounded
// to ~1km cells so close-by queries share an entry.
type CachedResolver struct {
	inner Resolver
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	shops   []Shop
	expires time.Time
}

func NewCachedResolver(inner Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedResolver{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(lat, lon, radiusKm float64) string {
	return fmt.Sprintf("%.2f:%.2f:%.0f", math.Round(lat*100)/100, math.Round(lon*100)/100, radiusKm)
}

func (c *CachedResolver) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]Shop, error) {
	key := cacheKey(lat, lon, radiusKm)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.shops, nil
	}

	shops, err := c.inner.Nearby(ctx, lat, lon, radiusKm)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{shops: shops, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return shops, nil
}

// StartJanitor evicts expired entries until the context is cancelled.
func (c *CachedResolver) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}

func (c *CachedResolver) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *CachedResolver) entryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
