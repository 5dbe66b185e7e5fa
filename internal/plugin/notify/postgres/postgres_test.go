package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestBroker_RelaysThroughListenNotify(t *testing.T) {
	dsn := testpg.StartPostgres(t)
	ctx := context.Background()

	publisher, err := Connect(ctx, dsn)
	require.NoError(t, err)
	defer publisher.Close()
	subscriber, err := Connect(ctx, dsn)
	require.NoError(t, err)
	defer subscriber.Close()

	sub, err := subscriber.Subscribe(ctx, "conversations")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, publisher.Publish(ctx, "conversations"))
	select {
	case <-sub.C():
	case <-time.After(5 * time.Second):
		t.Fatal("expected notification")
	}
}
