package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TimeSource reads the current time of a backend.
type TimeSource func(ctx context.Context) (time.Time, error)

// LocalTime reads the process clock. It is only a server clock for backends
// that live inside the process, like an embedded SQLite file.
func LocalTime(context.Context) (time.Time, error) {
	return time.Now(), nil
}

// ServerClock hands out strictly increasing UTC timestamps read from a
// backend's own clock and truncated to its storage resolution, so every
// replica writing to the backend orders messages the same way.
type ServerClock struct {
	mu         sync.Mutex
	resolution time.Duration
	last       time.Time
	source     TimeSource
}

// NewServerClock returns a clock with the given resolution (at least 1µs).
// A nil source falls back to LocalTime.
func NewServerClock(resolution time.Duration, source TimeSource) *ServerClock {
	if resolution < time.Microsecond {
		resolution = time.Microsecond
	}
	if source == nil {
		source = LocalTime
	}
	return &ServerClock{resolution: resolution, source: source}
}

// Now returns the next server timestamp.
func (c *ServerClock) Now(ctx context.Context) (time.Time, error) {
	t, err := c.source(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read server time: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t = t.UTC().Truncate(c.resolution)
	if !t.After(c.last) {
		t = c.last.Add(c.resolution)
	}
	c.last = t
	return t, nil
}
