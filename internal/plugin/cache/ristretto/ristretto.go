// Package ristretto is an in-process unread count cache for single-replica
// deployments.
package ristretto

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "ristretto",
		Loader: func(ctx context.Context) (registrycache.UnreadCache, error) {
			ttl := time.Minute
			if cfg := config.FromContext(ctx); cfg != nil && cfg.UnreadCacheTTL > 0 {
				ttl = cfg.UnreadCacheTTL
			}
			return New(ttl)
		},
	})
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) (*UnreadCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, registrycache.UnreadCount]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
		// Every entry costs 1, so MaxCost bounds the entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto cache: %w", err)
	}
	return &UnreadCache{cache: c, ttl: ttl, generations: map[string]uint64{}}, nil
}

// UnreadCache keys entries by conversation generation; Invalidate bumps the
// generation so older entries become unreachable and age out.
type UnreadCache struct {
	cache *ristretto.Cache[string, registrycache.UnreadCount]
	ttl   time.Duration

	mu          sync.Mutex
	generations map[string]uint64
}

func (c *UnreadCache) generation(conversationID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[conversationID]
}

func key(conversationID string, generation uint64, userID string) string {
	return conversationID + "\x00" + strconv.FormatUint(generation, 10) + "\x00" + userID
}

func (c *UnreadCache) Available() bool { return true }

func (c *UnreadCache) Get(_ context.Context, conversationID string, userID string) (*registrycache.UnreadCount, error) {
	v, ok := c.cache.Get(key(conversationID, c.generation(conversationID), userID))
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *UnreadCache) Generation(_ context.Context, conversationID string) (uint64, error) {
	return c.generation(conversationID), nil
}

// Set writes under the given generation's key. A stale generation's entry is
// never read again.
func (c *UnreadCache) Set(_ context.Context, conversationID string, userID string, generation uint64, count registrycache.UnreadCount, ttl time.Duration) error {
	if generation != c.generation(conversationID) {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(key(conversationID, generation, userID), count, 1, ttl)
	c.cache.Wait()
	return nil
}

func (c *UnreadCache) Invalidate(_ context.Context, conversationID string) error {
	c.mu.Lock()
	c.generations[conversationID]++
	c.mu.Unlock()
	return nil
}

// Close releases the cache's background goroutines.
func (c *UnreadCache) Close() {
	c.cache.Close()
}

var _ registrycache.UnreadCache = (*UnreadCache)(nil)
