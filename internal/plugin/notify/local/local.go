package local

import (
	"context"
	"sync"

	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrynotify.Broker, error) {
			return New(), nil
		},
	})
}

// Hub fans signals out to in-process subscribers. Remote brokers feed the
// signals they receive into a Hub.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*subscription]struct{}{}}
}

// Signal wakes every subscriber of topic without blocking.
func (h *Hub) Signal(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[topic] {
		select {
		case s.c <- struct{}{}:
		default:
		}
	}
}

// SignalAll wakes every subscriber of every topic.
func (h *Hub) SignalAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for s := range set {
			select {
			case s.c <- struct{}{}:
			default:
			}
		}
	}
}

// Fail reports err to every subscriber without blocking.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for s := range set {
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

// Subscribe registers a subscriber for topic.
func (h *Hub) Subscribe(topic string) registrynotify.Subscription {
	s := &subscription{hub: h, topic: topic, c: make(chan struct{}, 1), errs: make(chan error, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.c)
		return s
	}
	set := h.subs[topic]
	if set == nil {
		set = map[*subscription]struct{}{}
		h.subs[topic] = set
	}
	set[s] = struct{}{}
	return s
}

// Topics returns the number of topics with at least one subscriber.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and closes their signal channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			s.closeOnce.Do(func() { close(s.c) })
		}
	}
	h.subs = map[string]map[*subscription]struct{}{}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subs[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.topic)
		}
	}
}

type subscription struct {
	hub       *Hub
	topic     string
	c         chan struct{}
	errs      chan error
	closeOnce sync.Once
}

func (s *subscription) C() <-chan struct{}   { return s.c }
func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.hub.remove(s)
	return nil
}

// Broker is an in-process Broker backed by a Hub.
type Broker struct {
	hub *Hub
}

func New() *Broker {
	return &Broker{hub: NewHub()}
}

func (b *Broker) Publish(ctx context.Context, topic string) error {
	b.hub.Signal(topic)
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (registrynotify.Subscription, error) {
	return b.hub.Subscribe(topic), nil
}

func (b *Broker) Close() error {
	b.hub.Close()
	return nil
}

var _ registrynotify.Broker = (*Broker)(nil)
