package testpg

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chirino/messaging-service/internal/testutil"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres starts a disposable Postgres and returns its DSN once a
// connection succeeds. LISTEN/NOTIFY works on the returned database.
func StartPostgres(tb testing.TB) string {
	tb.Helper()
	testutil.RequireContainers(tb)

	ctx := context.Background()
	c, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("messaging"),
		postgres.WithUsername("messaging"),
		postgres.WithPassword("messaging"),
		// The server restarts once after init; wait for the second ready line.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	testutil.TerminateOnCleanup(tb, "postgres", c)

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil || dsn == "" {
		tb.Fatalf("postgres connection string: %v", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 20 * time.Second
	ping := func() error {
		attempt, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		conn, err := pgx.Connect(attempt, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(attempt)
		return conn.Ping(attempt)
	}
	if err := backoff.Retry(ping, b); err != nil {
		tb.Fatalf("postgres is not accepting connections: %v", err)
	}
	return dsn
}
