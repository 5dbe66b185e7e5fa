// Package cachetest holds behavior tests every UnreadCache must pass.
package cachetest

import (
	"context"
	"testing"
	"time"

	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises the UnreadCache contract.
func Run(t *testing.T, c registrycache.UnreadCache) {
	ctx := context.Background()
	require.True(t, c.Available())

	got, err := c.Get(ctx, "a_b", "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	gen, err := c.Generation(ctx, "a_b")
	require.NoError(t, err)
	otherGen, err := c.Generation(ctx, "a_c")
	require.NoError(t, err)

	readAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Set(ctx, "a_b", "a", gen, registrycache.UnreadCount{Count: 3, ReadAt: &readAt}, time.Minute))
	require.NoError(t, c.Set(ctx, "a_b", "b", gen, registrycache.UnreadCount{Count: 50, Capped: true}, time.Minute))
	require.NoError(t, c.Set(ctx, "a_c", "a", otherGen, registrycache.UnreadCount{Count: 1}, time.Minute))

	got, err = c.Get(ctx, "a_b", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Count)
	assert.True(t, got.Matches(&readAt))

	got, err = c.Get(ctx, "a_b", "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Capped)
	assert.True(t, got.Matches(nil))

	require.NoError(t, c.Invalidate(ctx, "a_b"))
	for _, user := range []string{"a", "b"} {
		got, err = c.Get(ctx, "a_b", user)
		require.NoError(t, err)
		assert.Nil(t, got, user)
	}

	got, err = c.Get(ctx, "a_c", "a")
	require.NoError(t, err)
	require.NotNil(t, got, "other conversations survive")
	assert.Equal(t, 1, got.Count)

	// A count computed before the invalidation must not be stored after it.
	next, err := c.Generation(ctx, "a_b")
	require.NoError(t, err)
	assert.NotEqual(t, gen, next)
	require.NoError(t, c.Set(ctx, "a_b", "a", gen, registrycache.UnreadCount{Count: 3, ReadAt: &readAt}, time.Minute))
	got, err = c.Get(ctx, "a_b", "a")
	require.NoError(t, err)
	assert.Nil(t, got, "stale generation was stored")

	require.NoError(t, c.Set(ctx, "a_b", "a", next, registrycache.UnreadCount{Count: 4, ReadAt: &readAt}, time.Minute))
	got, err = c.Get(ctx, "a_b", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Count)
}
