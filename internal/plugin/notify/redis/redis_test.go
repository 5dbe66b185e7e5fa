package redis

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chirino/messaging-service/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestBroker_RelaysThroughRedis(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := context.Background()

	publisher, err := LoadFromURL(ctx, url)
	require.NoError(t, err)
	defer publisher.Close()
	subscriber, err := LoadFromURL(ctx, url)
	require.NoError(t, err)
	defer subscriber.Close()

	sub, err := subscriber.Subscribe(ctx, "messages/a_b")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, publisher.Publish(ctx, "messages/a_b"))
	select {
	case <-sub.C():
	case <-time.After(5 * time.Second):
		t.Fatal("expected signal from the other broker")
	}
}

func TestReconnectBackOff_GrowsCapsAndResets(t *testing.T) {
	bo := reconnectBackOff()
	first := bo.NextBackOff()
	require.GreaterOrEqual(t, first, 50*time.Millisecond)
	require.LessOrEqual(t, first, 150*time.Millisecond)

	var last time.Duration
	for i := 0; i < 50; i++ {
		last = bo.NextBackOff()
		require.NotEqual(t, backoff.Stop, last)
		require.LessOrEqual(t, last, 7500*time.Millisecond)
	}
	require.Greater(t, last, time.Second)

	bo.Reset()
	require.LessOrEqual(t, bo.NextBackOff(), 150*time.Millisecond)
}
