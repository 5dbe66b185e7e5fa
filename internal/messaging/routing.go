package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/chirino/messaging-service/internal/model"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
)

// GetOrCreateAdminConversation returns the caller's thread with the primary
// admin, creating it when missing.
func (s *Session) GetOrCreateAdminConversation(ctx context.Context) (*model.Conversation, error) {
	admin, ok := s.svc.admins.Primary()
	if !ok {
		return nil, &registrystore.ValidationError{Field: "admin", Message: "no admin user is configured"}
	}
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	conv, created, err := s.getOrCreate(ctx, c, admin)
	if err != nil {
		return nil, err
	}
	if !created {
		// Threads written by older clients may be missing one side.
		want := []string{c.id, admin}
		s.svc.detach("merge_admin_participants", func(ctx context.Context) error {
			st, err := s.svc.store(ctx)
			if err != nil {
				return err
			}
			return st.AddParticipants(ctx, conv.ID, want)
		})
	}
	return conv, nil
}

// GetOrCreateUserConversation is the admin side of an admin thread: it opens
// the conversation between the calling admin and target.
func (s *Session) GetOrCreateUserConversation(ctx context.Context, target string) (*model.Conversation, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if !c.admin {
		return nil, &registrystore.ForbiddenError{Reason: "admin access required"}
	}
	target, err = requireTarget(target)
	if err != nil {
		return nil, err
	}
	conv, _, err := s.getOrCreate(ctx, c, target)
	return conv, err
}

// GetOrCreateDirectConversation opens the two-party thread between the
// caller and target.
func (s *Session) GetOrCreateDirectConversation(ctx context.Context, target string) (*model.Conversation, error) {
	target, err := requireTarget(target)
	if err != nil {
		return nil, err
	}
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	conv, _, err := s.getOrCreate(ctx, c, target)
	return conv, err
}

func requireTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", &registrystore.ValidationError{Field: "target", Message: "target user is required"}
	}
	if model.IsBroadcastParticipant(target) {
		return "", &registrystore.ValidationError{Field: "target", Message: "target cannot be the broadcast channel"}
	}
	return target, nil
}

func (s *Session) getOrCreate(ctx context.Context, c caller, target string) (*model.Conversation, bool, error) {
	ch, err := model.Direct(c.id, target)
	if err != nil {
		return nil, false, invalidParticipants(err)
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, false, err
	}
	conv, err := st.GetConversation(ctx, ch.ID())
	if err == nil {
		return conv, false, nil
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, false, wrap("get conversation", err)
	}
	conv, err = s.svc.createChannel(ctx, st, c, ch, nil)
	if err != nil {
		return nil, false, wrap("create conversation", err)
	}
	return conv, true, nil
}
