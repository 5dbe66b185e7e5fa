package postgres

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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the LISTEN/NOTIFY channel that carries every topic.
const Channel = "messaging_changes"

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "postgres",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Broker, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("postgres notify: MESSAGING_SERVICE_DB_URL is required")
	}
	return Connect(ctx, cfg.DBURL)
}

// Connect opens a publishing pool and a dedicated listening connection.
func Connect(ctx context.Context, dbURL string) (*Broker, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres notify: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres notify: ping failed: %w", err)
	}
	conn, err := listen(ctx, dbURL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		dbURL:  dbURL,
		pool:   pool,
		hub:    local.NewHub(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.receive(runCtx, conn)
	return b, nil
}

func listen(ctx context.Context, dbURL string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres notify: connect failed: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("postgres notify: listen failed: %w", err)
	}
	return conn, nil
}

// Broker relays topics through Postgres LISTEN/NOTIFY and fans them out locally.
type Broker struct {
	dbURL  string
	pool   *pgxpool.Pool
	hub    *local.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *Broker) receive(ctx context.Context, conn *pgx.Conn) {
	defer close(b.done)
	for {
		n, err := conn.WaitForNotification(ctx)
		if err == nil {
			b.hub.Signal(n.Payload)
			continue
		}
		_ = conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		log.Warn("Postgres notify connection lost, reconnecting", "err", err)
		b.hub.Fail(err)

		conn, err = b.reconnect(ctx)
		if err != nil {
			return
		}
		// Changes may have been missed while disconnected; wake every
		// subscriber so they re-query.
		b.hub.SignalAll()
	}
}

func (b *Broker) reconnect(ctx context.Context) (*pgx.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	var conn *pgx.Conn
	err := backoff.Retry(func() error {
		c, err := listen(ctx, b.dbURL)
		if err != nil {
			log.Warn("Postgres notify reconnect failed", "err", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	return conn, err
}

func (b *Broker) Publish(ctx context.Context, topic string) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, topic)
	return err
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (registrynotify.Subscription, error) {
	return b.hub.Subscribe(topic), nil
}

func (b *Broker) Close() error {
	b.cancel()
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		return errors.New("postgres notify: listener did not stop")
	}
	b.pool.Close()
	b.hub.Close()
	return nil
}

var _ registrynotify.Broker = (*Broker)(nil)
