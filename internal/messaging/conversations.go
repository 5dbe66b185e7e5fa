package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/chirino/messaging-service/internal/access"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/realtime"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
)

// ConversationView is a conversation as one caller sees it.
type ConversationView struct {
	model.Conversation
	// Unread is the quick 0/1 flag until refined into an exact count.
	Unread       int  `json:"unread"`
	UnreadExact  bool `json:"unreadExact"`
	UnreadCapped bool `json:"unreadCapped,omitempty"`
}

func viewOf(conv model.Conversation, callerID string) ConversationView {
	return ConversationView{Conversation: conv, Unread: QuickUnread(&conv, callerID)}
}

// CreateRequest describes a new conversation.
type CreateRequest struct {
	Participants   []string
	JobID          *string
	InitialMessage string
}

// Create opens the conversation for req.Participants plus the caller. The
// broadcast channel keeps its fixed participant set. Creating a conversation
// that already exists returns the stored one untouched; an initial message
// is still sent into it.
func (s *Session) Create(ctx context.Context, req CreateRequest) (*model.Conversation, error) {
	ch, err := model.NewChannel(req.Participants)
	if err != nil {
		return nil, invalidParticipants(err)
	}
	return s.CreateChannel(ctx, ch, req.JobID, req.InitialMessage)
}

// CreateChannel is Create for an already classified channel.
func (s *Session) CreateChannel(ctx context.Context, ch model.Channel, jobID *string, initialMessage string) (*model.Conversation, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.svc.createChannel(ctx, st, c, ch.With(c.id), jobID)
	if err != nil {
		return nil, wrap("create conversation", err)
	}
	if initialMessage == "" {
		return conv, nil
	}
	if _, err := s.svc.send(ctx, st, c, conv, initialMessage, nil); err != nil {
		return conv, wrap("send initial message", err)
	}
	if fresh, err := st.GetConversation(ctx, conv.ID); err == nil {
		conv = fresh
	}
	return conv, nil
}

func (s *Service) createChannel(ctx context.Context, st registrystore.MessagingStore, c caller, ch model.Channel, jobID *string) (*model.Conversation, error) {
	conv, err := st.CreateConversation(ctx, model.Conversation{
		ID:           ch.ID(),
		Participants: ch.Participants(),
		JobID:        jobID,
		CreatedBy:    c.id,
		IsActive:     true,
	})
	var conflict *registrystore.ConflictError
	if errors.As(err, &conflict) {
		return st.GetConversation(ctx, ch.ID())
	}
	return conv, err
}

// List returns every active conversation visible to the caller, most recent
// first, each with its quick unread flag.
func (s *Session) List(ctx context.Context) ([]ConversationView, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.svc.listViews(ctx, c)
}

func (s *Service) listViews(ctx context.Context, c caller) ([]ConversationView, error) {
	st, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	all, err := st.ListActiveConversations(ctx)
	if err != nil {
		return nil, wrap("list conversations", err)
	}
	visible := access.VisibleConversations(all, c.id, c.admin)
	access.SortByRecency(visible)
	views := make([]ConversationView, len(visible))
	for i := range visible {
		views[i] = viewOf(visible[i], c.id)
	}
	return views, nil
}

// ListenConversations streams the caller's conversation list, re-delivering
// the full list after every change. It replaces any earlier conversation
// list subscription of this session.
func (s *Session) ListenConversations(ctx context.Context, onData func([]ConversationView), onError func(error)) (*realtime.Subscription, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.listen(realtime.ConversationsKey, func() (*realtime.Subscription, error) {
		return realtime.Watch(ctx, s.svc.broker, registrynotify.TopicConversations,
			func(ctx context.Context) ([]ConversationView, error) { return s.svc.listViews(ctx, c) },
			onData, onError)
	})
}

// Get returns one conversation. Conversations the caller may not see are
// reported as missing.
func (s *Session) Get(ctx context.Context, id string) (*ConversationView, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := visibleConversation(ctx, st, c, id)
	if err != nil {
		return nil, err
	}
	view := viewOf(*conv, c.id)
	return &view, nil
}

func visibleConversation(ctx context.Context, st registrystore.MessagingStore, c caller, id string) (*model.Conversation, error) {
	conv, err := st.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.CanView(conv, c.id, c.admin) {
		return nil, conversationNotFound(id)
	}
	return conv, nil
}

// MarkRead moves the caller's read cursor to the server's current time.
func (s *Session) MarkRead(ctx context.Context, id string) (time.Time, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return time.Time{}, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := visibleConversation(ctx, st, c, id); err != nil {
		return time.Time{}, err
	}
	return st.MarkRead(ctx, id, c.id)
}

// markReadLater records a read in the background.
func (s *Service) markReadLater(c caller, id string) {
	s.detach("mark_read", func(ctx context.Context) error {
		st, err := s.store(ctx)
		if err != nil {
			return err
		}
		_, err = st.MarkRead(ctx, id, c.id)
		return err
	})
}
