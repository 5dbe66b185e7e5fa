package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/messaging-service/internal/model"
)

// DefaultSearchLimit caps prefix searches when the caller gives no limit.
const DefaultSearchLimit = 20

// MessageSearch selects messages whose content starts with Prefix.
type MessageSearch struct {
	Prefix         string
	ConversationID string // optional scope
	Limit          int
}

// MessagingStore is the document backend behind the messaging core.
//
// Every timestamp written through the store comes from the store's own
// server clock. Participant unions and read cursors are field-scoped merges
// that never rewrite the rest of the conversation document.
type MessagingStore interface {
	// CreateConversation persists a new conversation, assigning CreatedAt and
	// LastMessageTime. Returns *ConflictError if the id already exists.
	CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListActiveConversations returns every conversation with IsActive set.
	ListActiveConversations(ctx context.Context) ([]model.Conversation, error)
	// AddParticipants unions participants into the conversation and gives
	// each new participant a null read cursor.
	AddParticipants(ctx context.Context, id string, participants []string) error
	// UpdateLastMessage overwrites the conversation summary and returns the
	// server time that was recorded.
	UpdateLastMessage(ctx context.Context, id string, content string) (time.Time, error)
	// MarkRead sets one participant's read cursor to server time.
	MarkRead(ctx context.Context, id string, participant string) (time.Time, error)

	// AppendMessage stores msg, assigning its ID and Timestamp.
	AppendMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error)
	// ListRecentMessages returns the newest limit messages in ascending
	// timestamp order.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	GetMessage(ctx context.Context, conversationID string, messageID string) (*model.Message, error)
	DeleteMessage(ctx context.Context, conversationID string, messageID string) error
	// SearchMessages returns matches newest first.
	SearchMessages(ctx context.Context, query MessageSearch) ([]model.ConversationMessage, error)

	// ArchiveMessage writes an archive record, assigning ArchivedAt.
	ArchiveMessage(ctx context.Context, archived model.ArchivedMessage) (*model.ArchivedMessage, error)
	GetArchivedMessage(ctx context.Context, key string) (*model.ArchivedMessage, error)
	// PurgeArchivedBefore removes archive records archived before cutoff.
	PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Loader creates a MessagingStore from config.
type Loader func(ctx context.Context) (MessagingStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
