// Package realtime keeps live snapshot subscriptions: each one re-runs a
// query whenever its notification topic fires and delivers the full result.
package realtime

import (
	"context"
	"sync"

	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	"github.com/chirino/messaging-service/internal/security"
)

// Query produces one snapshot.
type Query[T any] func(ctx context.Context) (T, error)

// Subscription is the cancellation handle of a live snapshot stream.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the stream and waits until its callbacks have returned. It must
// not be called from inside the subscription's own callbacks.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Done is closed once the stream has stopped delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Stopping is closed as soon as the stream is asked to stop, possibly while
// a callback is still running. Callbacks that block should give up on it.
func (s *Subscription) Stopping() <-chan struct{} {
	return s.ctx.Done()
}

// Watch subscribes to topic and delivers query results to onData: once
// immediately and again after every change signal. Query and broker errors
// go to onError and never end the stream. Callbacks run on a single
// goroutine, one at a time.
func Watch[T any](ctx context.Context, broker registrynotify.Broker, topic string, query Query[T], onData func(T), onError func(error)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := broker.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Subscription{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	security.SubscriptionOpened(1)

	report := func(err error) {
		if onError != nil && ctx.Err() == nil {
			onError(err)
		}
	}
	deliver := func() {
		v, err := query(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			report(err)
			return
		}
		onData(v)
	}

	go func() {
		defer close(s.done)
		defer security.SubscriptionOpened(-1)
		defer sub.Close()
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
				deliver()
			case err := <-sub.Errors():
				report(err)
			}
		}
	}()
	return s, nil
}

const ConversationsKey = "conversations"

// MessagesKey is the stream key of one conversation's live message list.
func MessagesKey(conversationID string) string {
	return "messages:" + conversationID
}

// Manager holds at most one subscription per stream key.
type Manager struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	onIdle func()
}

func NewManager() *Manager {
	return &Manager{subs: map[string]*Subscription{}}
}

// Listen cancels any subscription registered under key, then starts and
// registers a new one.
func (m *Manager) Listen(key string, start func() (*Subscription, error)) (*Subscription, error) {
	m.Cancel(key)
	sub, err := start()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	raced := m.subs[key]
	m.subs[key] = sub
	m.mu.Unlock()
	if raced != nil {
		raced.Cancel()
	}

	go func() {
		<-sub.Done()
		m.mu.Lock()
		if m.subs[key] == sub {
			delete(m.subs, key)
		}
		idle := len(m.subs) == 0
		onIdle := m.onIdle
		m.mu.Unlock()
		if idle && onIdle != nil {
			onIdle()
		}
	}()
	return sub, nil
}

// OnIdle registers fn to run whenever a subscription ends and leaves the
// manager empty. fn runs without the manager's lock held.
func (m *Manager) OnIdle(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = fn
}

// Cancel stops the subscription under key, reporting whether one existed.
func (m *Manager) Cancel(key string) bool {
	m.mu.Lock()
	sub := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.Cancel()
	return true
}

// CancelAll stops every subscription. No callback fires after it returns.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = map[string]*Subscription{}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Len returns the number of registered subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Has reports whether a subscription is registered under key.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}
