package notify

import (
	"context"
	"fmt"
)

const (
	// TopicConversations fires after any conversation summary write.
	TopicConversations = "conversations"
)

// MessagesTopic is the topic that fires after a message log write.
func MessagesTopic(conversationID string) string {
	return "messages/" + conversationID
}

// Subscription receives change signals for one topic. Signals carry no
// payload: subscribers re-read the state they care about.
type Subscription interface {
	// C fires at least once after every publish on the topic. Bursts coalesce.
	C() <-chan struct{}
	// Errors reports transport failures; the subscription stays open.
	Errors() <-chan error
	Close() error
}

// Broker fans change signals out to subscribers, possibly across processes.
type Broker interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Loader creates a Broker from config.
type Loader func(ctx context.Context) (Broker, error)

// Plugin represents a notify plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notify plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notify plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notify plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notify broker %q; valid: %v", name, Names())
}
