package metrics

import (
	"context"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
)

// Wrap returns a MessagingStore that records StoreLatency for every operation.
func Wrap(inner store.MessagingStore) store.MessagingStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MessagingStore
}

func observe(op string, start time.Time) {
	security.ObserveStore(op, start)
}

func (m *metricsStore) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, conv)
}

func (m *metricsStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, id)
}

func (m *metricsStore) ListActiveConversations(ctx context.Context) ([]model.Conversation, error) {
	defer observe("list_active_conversations", time.Now())
	return m.inner.ListActiveConversations(ctx)
}

func (m *metricsStore) AddParticipants(ctx context.Context, id string, participants []string) error {
	defer observe("add_participants", time.Now())
	return m.inner.AddParticipants(ctx, id, participants)
}

func (m *metricsStore) UpdateLastMessage(ctx context.Context, id string, content string) (time.Time, error) {
	defer observe("update_last_message", time.Now())
	return m.inner.UpdateLastMessage(ctx, id, content)
}

func (m *metricsStore) MarkRead(ctx context.Context, id string, participant string) (time.Time, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, id, participant)
}

func (m *metricsStore) AppendMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, conversationID, msg)
}

func (m *metricsStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	defer observe("list_recent_messages", time.Now())
	return m.inner.ListRecentMessages(ctx, conversationID, limit)
}

func (m *metricsStore) GetMessage(ctx context.Context, conversationID string, messageID string) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	defer observe("delete_message", time.Now())
	return m.inner.DeleteMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) SearchMessages(ctx context.Context, query store.MessageSearch) ([]model.ConversationMessage, error) {
	defer observe("search_messages", time.Now())
	return m.inner.SearchMessages(ctx, query)
}

func (m *metricsStore) ArchiveMessage(ctx context.Context, archived model.ArchivedMessage) (*model.ArchivedMessage, error) {
	defer observe("archive_message", time.Now())
	return m.inner.ArchiveMessage(ctx, archived)
}

func (m *metricsStore) GetArchivedMessage(ctx context.Context, key string) (*model.ArchivedMessage, error) {
	defer observe("get_archived_message", time.Now())
	return m.inner.GetArchivedMessage(ctx, key)
}

func (m *metricsStore) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("purge_archived", time.Now())
	return m.inner.PurgeArchivedBefore(ctx, cutoff)
}
