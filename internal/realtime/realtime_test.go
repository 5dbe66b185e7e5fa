package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	values []int
	errs   []error
}

func (r *recorder) data(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) err(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() ([]int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...), append([]error(nil), r.errs...)
}

func TestWatch_DeliversInitialAndOnChange(t *testing.T) {
	ctx := context.Background()
	broker := local.New()
	defer broker.Close()

	var counter atomic.Int32
	rec := &recorder{}
	sub, err := Watch(ctx, broker, "conversations", func(context.Context) (int, error) {
		return int(counter.Load()), nil
	}, rec.data, rec.err)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { v, _ := rec.snapshot(); return len(v) == 1 }, time.Second, 5*time.Millisecond)

	counter.Store(7)
	require.NoError(t, broker.Publish(ctx, "conversations"))
	require.Eventually(t, func() bool {
		v, _ := rec.snapshot()
		return len(v) >= 2 && v[len(v)-1] == 7
	}, time.Second, 5*time.Millisecond)
}

func TestWatch_ErrorsDoNotEndStream(t *testing.T) {
	ctx := context.Background()
	broker := local.New()
	defer broker.Close()

	var fail atomic.Bool
	fail.Store(true)
	rec := &recorder{}
	sub, err := Watch(ctx, broker, "messages/x", func(context.Context) (int, error) {
		if fail.Load() {
			return 0, errors.New("backend hiccup")
		}
		return 1, nil
	}, rec.data, rec.err)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { _, e := rec.snapshot(); return len(e) == 1 }, time.Second, 5*time.Millisecond)

	fail.Store(false)
	require.NoError(t, broker.Publish(ctx, "messages/x"))
	require.Eventually(t, func() bool { v, _ := rec.snapshot(); return len(v) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWatch_NoCallbacksAfterCancel(t *testing.T) {
	ctx := context.Background()
	broker := local.New()
	defer broker.Close()

	rec := &recorder{}
	sub, err := Watch(ctx, broker, "conversations", func(context.Context) (int, error) { return 1, nil }, rec.data, rec.err)
	require.NoError(t, err)
	require.Eventually(t, func() bool { v, _ := rec.snapshot(); return len(v) == 1 }, time.Second, 5*time.Millisecond)

	sub.Cancel()
	select {
	case <-sub.Done():
	default:
		t.Fatal("done should be closed after cancel")
	}
	require.NoError(t, broker.Publish(ctx, "conversations"))
	time.Sleep(20 * time.Millisecond)
	v, _ := rec.snapshot()
	assert.Len(t, v, 1)
}

func TestManager_ReplacesSubscriptionPerKey(t *testing.T) {
	ctx := context.Background()
	broker := local.New()
	defer broker.Close()
	m := NewManager()

	start := func() (*Subscription, error) {
		return Watch(ctx, broker, "messages/a", func(context.Context) (int, error) { return 0, nil }, func(int) {}, nil)
	}
	first, err := m.Listen(MessagesKey("a"), start)
	require.NoError(t, err)
	second, err := m.Listen(MessagesKey("a"), start)
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first subscription should be cancelled")
	}
	require.Equal(t, 1, m.Len())
	require.True(t, m.Has(MessagesKey("a")))

	_, err = m.Listen(ConversationsKey, start)
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	m.CancelAll()
	require.Equal(t, 0, m.Len())
	select {
	case <-second.Done():
	default:
		t.Fatal("second subscription should be cancelled")
	}
	require.False(t, m.Cancel(ConversationsKey))
}

func TestManager_StartErrorLeavesNothing(t *testing.T) {
	m := NewManager()
	_, err := m.Listen("k", func() (*Subscription, error) { return nil, errors.New("nope") })
	require.Error(t, err)
	require.Equal(t, 0, m.Len())
}

func TestManager_OnIdleAfterLastSubscription(t *testing.T) {
	ctx := context.Background()
	broker := local.New()
	defer broker.Close()
	m := NewManager()
	var idle atomic.Int32
	m.OnIdle(func() { idle.Add(1) })

	start := func() (*Subscription, error) {
		return Watch(ctx, broker, "conversations", func(context.Context) (int, error) { return 0, nil }, func(int) {}, nil)
	}
	_, err := m.Listen(ConversationsKey, start)
	require.NoError(t, err)
	_, err = m.Listen(MessagesKey("a"), start)
	require.NoError(t, err)

	require.True(t, m.Cancel(ConversationsKey))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), idle.Load())

	require.True(t, m.Cancel(MessagesKey("a")))
	require.Eventually(t, func() bool { return idle.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Len())
}
