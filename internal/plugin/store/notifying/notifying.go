// Package notifying publishes change signals after successful store writes so
// live subscriptions re-run their snapshot queries.
package notifying

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	"github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
)

// Wrap returns a MessagingStore that signals broker after each write.
func Wrap(inner store.MessagingStore, broker registrynotify.Broker) store.MessagingStore {
	return &notifyingStore{MessagingStore: inner, broker: broker}
}

type notifyingStore struct {
	store.MessagingStore
	broker registrynotify.Broker
}

// publish never fails the write it follows; a lost signal only delays the
// next snapshot.
func (n *notifyingStore) publish(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		if err := n.broker.Publish(context.WithoutCancel(ctx), topic); err != nil {
			security.NotifyPublishFailed()
			log.Warn("Failed to publish change signal", "topic", topic, "err", err)
		}
	}
}

func (n *notifyingStore) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	out, err := n.MessagingStore.CreateConversation(ctx, conv)
	if err == nil {
		n.publish(ctx, registrynotify.TopicConversations)
	}
	return out, err
}

func (n *notifyingStore) AddParticipants(ctx context.Context, id string, participants []string) error {
	err := n.MessagingStore.AddParticipants(ctx, id, participants)
	if err == nil {
		n.publish(ctx, registrynotify.TopicConversations)
	}
	return err
}

func (n *notifyingStore) UpdateLastMessage(ctx context.Context, id string, content string) (time.Time, error) {
	at, err := n.MessagingStore.UpdateLastMessage(ctx, id, content)
	if err == nil {
		n.publish(ctx, registrynotify.TopicConversations)
	}
	return at, err
}

func (n *notifyingStore) MarkRead(ctx context.Context, id string, participant string) (time.Time, error) {
	at, err := n.MessagingStore.MarkRead(ctx, id, participant)
	if err == nil {
		n.publish(ctx, registrynotify.TopicConversations)
	}
	return at, err
}

func (n *notifyingStore) AppendMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error) {
	out, err := n.MessagingStore.AppendMessage(ctx, conversationID, msg)
	if err == nil {
		n.publish(ctx, registrynotify.MessagesTopic(conversationID))
	}
	return out, err
}

func (n *notifyingStore) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	err := n.MessagingStore.DeleteMessage(ctx, conversationID, messageID)
	if err == nil {
		n.publish(ctx, registrynotify.MessagesTopic(conversationID))
	}
	return err
}
