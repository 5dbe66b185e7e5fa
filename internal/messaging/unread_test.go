package messaging_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/model"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuickUnread(t *testing.T) {
	now := time.Now()
	conv := &model.Conversation{
		Participants: []string{alice, bob},
		ReadStatus:   map[string]*time.Time{alice: &now, bob: nil},
	}
	assert.Equal(t, 0, messaging.QuickUnread(conv, alice))
	assert.Equal(t, 1, messaging.QuickUnread(conv, bob))
	assert.Equal(t, 1, messaging.QuickUnread(conv, carol))
	assert.Equal(t, 0, messaging.QuickUnread(nil, alice))
}

func TestCountUnread(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []model.Message{
		{SenderID: alice, Timestamp: base},
		{SenderID: bob, Timestamp: base.Add(time.Minute)},
		{SenderID: alice, Timestamp: base.Add(2 * time.Minute)},
		{SenderID: alice, Timestamp: base.Add(3 * time.Minute)},
	}
	since := base.Add(time.Minute)
	assert.Equal(t, 2, messaging.CountUnread(msgs, bob, &since))
	assert.Equal(t, 3, messaging.CountUnread(msgs, bob, nil))
	assert.Equal(t, 1, messaging.CountUnread(msgs, alice, nil))
	assert.Equal(t, 0, messaging.CountUnread(msgs, alice, &since))
}

func TestUnread_FreshThenMarkRead(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)

	for _, user := range []string{alice, bob} {
		views, err := e.session(t, user).List(ctx)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, 1, views[0].Unread, user)
		assert.False(t, views[0].UnreadExact)
	}

	bobSess := e.session(t, bob)
	readAt, err := bobSess.MarkRead(ctx, conv.ID)
	require.NoError(t, err)

	count, err := bobSess.ExactUnreadSince(ctx, conv.ID, &readAt, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count.Count)
	assert.False(t, count.Capped)

	view, err := bobSess.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Unread)
}

func TestUnread_SendInvalidatesCachedCount(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	aliceSess := e.session(t, alice)
	bobSess := e.session(t, bob)

	conv, err := aliceSess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	for _, content := range []string{"a", "b", "c"} {
		_, err := aliceSess.Send(ctx, conv.ID, content, nil)
		require.NoError(t, err)
	}

	count, err := bobSess.ExactUnreadSince(ctx, conv.ID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)

	readAt, err := bobSess.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	count, err = bobSess.ExactUnreadSince(ctx, conv.ID, &readAt, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count.Count)
	// Served from the cache the second time.
	count, err = bobSess.ExactUnreadSince(ctx, conv.ID, &readAt, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count.Count)

	_, err = aliceSess.Send(ctx, conv.ID, "d", nil)
	require.NoError(t, err)
	count, err = bobSess.ExactUnreadSince(ctx, conv.ID, &readAt, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)
}

// racingStore runs onScan once, after a message scan has read its rows and
// before they are returned, like a send landing mid-scan.
type racingStore struct {
	registrystore.MessagingStore
	armed  atomic.Bool
	onScan func()
}

func (r *racingStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	msgs, err := r.MessagingStore.ListRecentMessages(ctx, conversationID, limit)
	if r.armed.CompareAndSwap(true, false) {
		r.onScan()
	}
	return msgs, err
}

func TestUnread_SendDuringScanIsNotCachedStale(t *testing.T) {
	racing := &racingStore{}
	e := newEnvWithStore(t, messaging.Options{}, func(st registrystore.MessagingStore) registrystore.MessagingStore {
		racing.MessagingStore = st
		return racing
	})
	ctx := context.Background()
	aliceSess := e.session(t, alice)
	bobSess := e.session(t, bob)

	conv, err := aliceSess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	_, err = aliceSess.Send(ctx, conv.ID, "first", nil)
	require.NoError(t, err)

	racing.onScan = func() {
		_, err := aliceSess.Send(ctx, conv.ID, "second", nil)
		require.NoError(t, err)
	}
	racing.armed.Store(true)

	// The racing scan saw only the first message.
	count, err := bobSess.ExactUnreadSince(ctx, conv.ID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)

	count, err = bobSess.ExactUnreadSince(ctx, conv.ID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count.Count)
}

func TestUnread_CappedAtMaxScan(t *testing.T) {
	e := newEnv(t, messaging.Options{UnreadMaxScan: 3})
	ctx := context.Background()
	aliceSess := e.session(t, alice)

	conv, err := aliceSess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := aliceSess.Send(ctx, conv.ID, "spam", nil)
		require.NoError(t, err)
	}

	bobSess := e.session(t, bob)
	count, err := bobSess.ExactUnreadSince(ctx, conv.ID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)
	assert.True(t, count.Capped)

	count, err = bobSess.ExactUnreadSince(ctx, conv.ID, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, count.Count)
	assert.False(t, count.Capped)
}

func TestRefineUnread(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	aliceSess := e.session(t, alice)

	one, err := aliceSess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "x"})
	require.NoError(t, err)
	_, err = aliceSess.Send(ctx, one.ID, "y", nil)
	require.NoError(t, err)
	_, err = e.session(t, carol).Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "z"})
	require.NoError(t, err)

	bobSess := e.session(t, bob)
	views, err := bobSess.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	require.NoError(t, bobSess.RefineUnread(ctx, views))
	got := map[string]int{}
	for _, v := range views {
		assert.True(t, v.UnreadExact)
		got[v.ID] = v.Unread
	}
	assert.Equal(t, 2, got[one.ID])

	var mu sync.Mutex
	later := map[string]int{}
	bobSess.RefineUnreadLater(views, func(id string, count registrycache.UnreadCount) {
		mu.Lock()
		defer mu.Unlock()
		later[id] = count.Count
	})
	e.settle(t)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, got, later)
}
