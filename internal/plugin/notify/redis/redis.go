package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	goredis "github.com/redis/go-redis/v9"
)

// Channel is the Redis Pub/Sub channel that carries every topic.
const Channel = "messaging-service:changes"

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Broker, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis notify: MESSAGING_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL connects a broker to a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (*Broker, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis notify: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis notify: ping failed: %w", err)
	}

	pubsub := client.Subscribe(context.Background(), Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis notify: subscribe failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		client: client,
		pubsub: pubsub,
		hub:    local.NewHub(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.receive(runCtx)
	return b, nil
}

// Broker relays topics through one Redis channel and fans them out locally.
type Broker struct {
	client *goredis.Client
	pubsub *goredis.PubSub
	hub    *local.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

// reconnectBackOff paces receive retries while Redis is unreachable. It
// never gives up; only Close ends the receive loop.
func reconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func (b *Broker) receive(ctx context.Context) {
	defer close(b.done)
	bo := reconnectBackOff()
	for {
		msg, err := b.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
				return
			}
			log.Warn("Redis notify receive failed", "err", err)
			b.hub.Fail(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			// Signals may have been dropped while disconnected.
			b.hub.SignalAll()
			continue
		}
		bo.Reset()
		b.hub.Signal(msg.Payload)
	}
}

func (b *Broker) Publish(ctx context.Context, topic string) error {
	return b.client.Publish(ctx, Channel, topic).Err()
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (registrynotify.Subscription, error) {
	return b.hub.Subscribe(topic), nil
}

func (b *Broker) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	b.hub.Close()
	return errors.Join(err, b.client.Close())
}

var _ registrynotify.Broker = (*Broker)(nil)
