package messaging

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/access"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/realtime"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
)

// Send appends a message from the caller and then updates the conversation
// summary. The message is written first; when the summary update fails the
// stored message is returned together with the error.
func (s *Session) Send(ctx context.Context, conversationID string, content string, attachments []model.AttachmentDescriptor) (*model.Message, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := visibleConversation(ctx, st, c, conversationID)
	if err != nil {
		return nil, err
	}
	return s.svc.send(ctx, st, c, conv, content, attachments)
}

func (s *Service) send(ctx context.Context, st registrystore.MessagingStore, c caller, conv *model.Conversation, content string, attachments []model.AttachmentDescriptor) (*model.Message, error) {
	if attachments == nil {
		attachments = []model.AttachmentDescriptor{}
	}
	msg, err := st.AppendMessage(ctx, conv.ID, model.Message{
		SenderID:    c.id,
		Content:     content,
		Attachments: attachments,
		Status:      model.MessageStatusSent,
		ReadBy:      []string{c.id},
	})
	if err != nil {
		return nil, wrap("append message", err)
	}
	s.invalidateUnread(ctx, conv.ID)

	if !conv.IsBroadcast() && !conv.HasParticipant(c.id) {
		if err := st.AddParticipants(ctx, conv.ID, []string{c.id}); err != nil {
			log.Warn("Failed to add sender to participants", "conversation", conv.ID, "sender", c.id, "err", err)
		}
	}
	if _, err := st.UpdateLastMessage(ctx, conv.ID, content); err != nil {
		return msg, wrap("update conversation summary", err)
	}
	return msg, nil
}

// Load returns the most recent limit messages in ascending order and marks
// the conversation read for the caller in the background.
func (s *Session) Load(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := visibleConversation(ctx, st, c, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.svc.opts.LoadLimit
	}
	msgs, err := st.ListRecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, wrap("load messages", err)
	}
	s.svc.markReadLater(c, conversationID)
	return msgs, nil
}

// ListenMessages streams a conversation's recent messages, re-delivering the
// full ascending list after every change. Each delivery marks the
// conversation read. It replaces any earlier subscription of this session on
// the same conversation.
func (s *Session) ListenMessages(ctx context.Context, conversationID string, onData func([]model.Message), onError func(error)) (*realtime.Subscription, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := visibleConversation(ctx, st, c, conversationID); err != nil {
		return nil, err
	}
	limit := s.svc.opts.LoadLimit
	query := func(ctx context.Context) ([]model.Message, error) {
		st, err := s.svc.store(ctx)
		if err != nil {
			return nil, err
		}
		return st.ListRecentMessages(ctx, conversationID, limit)
	}
	deliver := func(msgs []model.Message) {
		onData(msgs)
		s.svc.markReadLater(c, conversationID)
	}
	return s.listen(realtime.MessagesKey(conversationID), func() (*realtime.Subscription, error) {
		return realtime.Watch(ctx, s.svc.broker, registrynotify.MessagesTopic(conversationID), query, deliver, onError)
	})
}

// StopListening cancels the session's subscription on one conversation.
func (s *Session) StopListening(conversationID string) bool {
	return s.host().subs.Cancel(realtime.MessagesKey(conversationID))
}

// ArchiveAndDelete copies a message into the archive and then removes it
// from the conversation. Broadcast messages cannot be removed.
func (s *Session) ArchiveAndDelete(ctx context.Context, conversationID string, messageID string) (*model.ArchivedMessage, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := visibleConversation(ctx, st, c, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.IsBroadcast() {
		return nil, &registrystore.ForbiddenError{Reason: "broadcast messages cannot be deleted"}
	}
	msg, err := st.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	archived, err := st.ArchiveMessage(ctx, model.ArchivedMessage{
		Message:        *msg,
		ConversationID: conversationID,
		ArchivedBy:     c.id,
	})
	if err != nil {
		return nil, wrap("archive message", err)
	}
	if err := st.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return archived, wrap("delete archived message", err)
	}
	s.svc.invalidateUnread(ctx, conversationID)
	return archived, nil
}

// Search finds messages whose content starts with prefix, newest first,
// restricted to conversations the caller may see.
func (s *Session) Search(ctx context.Context, prefix string, conversationID string, limit int) ([]model.ConversationMessage, error) {
	if prefix == "" {
		return nil, &registrystore.ValidationError{Field: "q", Message: "search prefix is required"}
	}
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	if conversationID != "" {
		if _, err := visibleConversation(ctx, st, c, conversationID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = s.svc.opts.SearchLimit
	}

	query := registrystore.MessageSearch{Prefix: prefix, ConversationID: conversationID, Limit: limit}
	if conversationID == "" && !c.admin {
		// Hidden conversations are filtered out below; over-fetch so the
		// caller still gets close to limit results.
		query.Limit = limit * 4
	}
	hits, err := st.SearchMessages(ctx, query)
	if err != nil {
		return nil, wrap("search messages", err)
	}

	visible := map[string]bool{}
	out := make([]model.ConversationMessage, 0, len(hits))
	for _, hit := range hits {
		ok, seen := visible[hit.ConversationID]
		if !seen {
			conv, err := st.GetConversation(ctx, hit.ConversationID)
			ok = err == nil && access.CanView(conv, c.id, c.admin)
			visible[hit.ConversationID] = ok
		}
		if ok {
			out = append(out, hit)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
