package cache

import (
	"context"
	"fmt"
	"time"
)

// UnreadCount is an exact unread count computed against one read cursor.
// It is stale once the reader's cursor moves past ReadAt.
type UnreadCount struct {
	Count int `json:"count"`
	// ReadAt is the read cursor the count was computed from; nil means never read.
	ReadAt *time.Time `json:"readAt,omitempty"`
	// Capped is set when the scan stopped at its bound.
	Capped bool `json:"capped,omitempty"`
}

// Matches reports whether c was computed against readAt.
func (c *UnreadCount) Matches(readAt *time.Time) bool {
	if c == nil {
		return false
	}
	if c.ReadAt == nil || readAt == nil {
		return c.ReadAt == nil && readAt == nil
	}
	return c.ReadAt.Equal(*readAt)
}

// UnreadCache caches exact unread counts per conversation and reader.
//
// Each conversation has a generation that Invalidate advances. A count is
// computed against the generation read before the scan and Set only stores
// it while that generation is still current, so a scan racing a send never
// caches the pre-send count.
type UnreadCache interface {
	Available() bool
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, conversationID string, userID string) (*UnreadCount, error)
	// Generation returns the conversation's current generation.
	Generation(ctx context.Context, conversationID string) (uint64, error)
	// Set stores count unless the conversation moved past generation.
	Set(ctx context.Context, conversationID string, userID string, generation uint64, count UnreadCount, ttl time.Duration) error
	// Invalidate drops every reader's count for the conversation and
	// advances its generation.
	Invalidate(ctx context.Context, conversationID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (UnreadCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
