package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.UnreadCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MESSAGING_SERVICE_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.UnreadCacheTTL)
}

// LoadFromURLWithTTL creates a cache from a Redis URL with a default entry TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.UnreadCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisUnreadCache{client: client, ttl: ttl}, nil
}

// redisUnreadCache keeps one hash per conversation, one field per reader,
// so invalidating a conversation is a single DEL. A separate counter holds
// the conversation's generation; it has no TTL so it never falls back to an
// older value while a scan is in flight.
type redisUnreadCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func unreadKey(conversationID string) string {
	return "unread:" + conversationID
}

func generationKey(conversationID string) string {
	return "unread-gen:" + conversationID
}

func (c *redisUnreadCache) Available() bool {
	return true
}

func (c *redisUnreadCache) Get(ctx context.Context, conversationID string, userID string) (*registrycache.UnreadCount, error) {
	data, err := c.client.HGet(ctx, unreadKey(conversationID), userID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.UnreadCount
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *redisUnreadCache) Generation(ctx context.Context, conversationID string) (uint64, error) {
	gen, err := c.client.Get(ctx, generationKey(conversationID)).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set writes the count only while the generation counter still reads
// generation. WATCH aborts the write if an Invalidate lands in between.
func (c *redisUnreadCache) Set(ctx context.Context, conversationID string, userID string, generation uint64, count registrycache.UnreadCount, ttl time.Duration) error {
	data, err := json.Marshal(count)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := unreadKey(conversationID)
	genKey := generationKey(conversationID)
	err = c.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, data)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, goredis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *redisUnreadCache) Invalidate(ctx context.Context, conversationID string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, generationKey(conversationID))
	pipe.Del(ctx, unreadKey(conversationID))
	_, err := pipe.Exec(ctx)
	return err
}

var _ registrycache.UnreadCache = (*redisUnreadCache)(nil)
