package redis

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/registry/cache/cachetest"
	"github.com/chirino/messaging-service/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestRedisUnreadCache(t *testing.T) {
	url := testredis.StartRedis(t)
	c, err := LoadFromURLWithTTL(context.Background(), url, time.Minute)
	require.NoError(t, err)
	cachetest.Run(t, c)
}
