package store

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

// Handle lazily connects a MessagingStore in the background, retrying with
// exponential backoff until the loader succeeds or the handle is closed.
type Handle struct {
	ready  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	store   MessagingStore
	lastErr error
}

// NewHandle starts connecting with loader.
func NewHandle(ctx context.Context, loader Loader) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{ready: make(chan struct{}), cancel: cancel, done: make(chan struct{})}
	go h.connect(ctx, loader)
	return h
}

// Ready wraps an already connected store.
func Ready(s MessagingStore) *Handle {
	h := &Handle{ready: make(chan struct{}), cancel: func() {}, done: make(chan struct{}), store: s}
	close(h.ready)
	close(h.done)
	return h
}

func (h *Handle) connect(ctx context.Context, loader Loader) {
	defer close(h.done)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		s, err := loader(ctx)
		if err != nil {
			h.mu.Lock()
			h.lastErr = err
			h.mu.Unlock()
			log.Warn("Store not ready, retrying", "err", err)
			return err
		}
		h.mu.Lock()
		h.store = s
		h.lastErr = nil
		h.mu.Unlock()
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return
	}
	close(h.ready)
}

// Get waits up to timeout for the store to become ready.
func (h *Handle) Get(ctx context.Context, timeout time.Duration) (MessagingStore, error) {
	select {
	case <-h.ready:
		return h.store, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.ready:
		return h.store, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return nil, &UnavailableError{Err: h.lastErr}
}

// IsReady reports whether the store connected.
func (h *Handle) IsReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// Close stops any pending connection attempts.
func (h *Handle) Close() {
	h.cancel()
	<-h.done
}
