package messaging

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"golang.org/x/sync/errgroup"
)

// QuickUnread is 1 when callerID has never read conv, else 0. Callers with no
// read entry at all count as never having read it.
func QuickUnread(conv *model.Conversation, callerID string) int {
	if conv == nil {
		return 0
	}
	if readAt := conv.ReadStatus[callerID]; readAt == nil {
		return 1
	}
	return 0
}

// CountUnread counts messages newer than since that callerID did not send.
// A nil since counts every message from others.
func CountUnread(msgs []model.Message, callerID string, since *time.Time) int {
	n := 0
	for i := range msgs {
		if msgs[i].SenderID == callerID {
			continue
		}
		if since == nil || msgs[i].Timestamp.After(*since) {
			n++
		}
	}
	return n
}

// ExactUnreadSince counts unread messages among the maxScan most recent
// ones. Counts past maxScan are cut off and flagged Capped.
func (s *Session) ExactUnreadSince(ctx context.Context, conversationID string, since *time.Time, maxScan int) (registrycache.UnreadCount, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return registrycache.UnreadCount{}, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return registrycache.UnreadCount{}, err
	}
	if _, err := visibleConversation(ctx, st, c, conversationID); err != nil {
		return registrycache.UnreadCount{}, err
	}
	return s.svc.exactUnread(ctx, st, c, conversationID, since, maxScan)
}

func (s *Service) exactUnread(ctx context.Context, st registrystore.MessagingStore, c caller, conversationID string, since *time.Time, maxScan int) (registrycache.UnreadCount, error) {
	if maxScan <= 0 {
		maxScan = s.opts.UnreadMaxScan
	}
	// Only counts at the default bound are cached.
	cacheable := s.cache != nil && s.cache.Available() && maxScan == s.opts.UnreadMaxScan
	var generation uint64
	if cacheable {
		cached, err := s.cache.Get(ctx, conversationID, c.id)
		if err != nil {
			log.Warn("Unread cache read failed", "conversation", conversationID, "err", err)
		}
		hit := cached.Matches(since)
		security.CacheResult(hit)
		if hit {
			return *cached, nil
		}
		// Read before the scan: a send landing during it advances the
		// generation and the count below is not stored.
		if generation, err = s.cache.Generation(ctx, conversationID); err != nil {
			log.Warn("Unread cache read failed", "conversation", conversationID, "err", err)
			cacheable = false
		}
	}

	msgs, err := st.ListRecentMessages(ctx, conversationID, maxScan)
	if err != nil {
		return registrycache.UnreadCount{}, wrap("count unread", err)
	}
	count := registrycache.UnreadCount{
		Count:  CountUnread(msgs, c.id, since),
		ReadAt: since,
		Capped: len(msgs) >= maxScan,
	}
	if cacheable {
		if err := s.cache.Set(ctx, conversationID, c.id, generation, count, s.opts.UnreadCacheTTL); err != nil {
			log.Warn("Unread cache write failed", "conversation", conversationID, "err", err)
		}
	}
	return count, nil
}

// RefineUnread replaces the quick unread flags of views with exact counts,
// in place. Conversations whose count fails keep their quick flag.
func (s *Session) RefineUnread(ctx context.Context, views []ConversationView) error {
	c, err := s.caller(ctx)
	if err != nil {
		return err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return err
	}
	s.svc.refine(ctx, st, c, views, func(i int, count registrycache.UnreadCount) {
		views[i].Unread = count.Count
		views[i].UnreadExact = true
		views[i].UnreadCapped = count.Capped
	})
	return nil
}

// RefineUnreadLater computes exact counts for views in the background and
// reports each one through onCount. Failures are logged and never reach the
// caller.
func (s *Session) RefineUnreadLater(views []ConversationView, onCount func(conversationID string, count registrycache.UnreadCount)) {
	snapshot := append([]ConversationView(nil), views...)
	s.svc.detach("refine_unread", func(ctx context.Context) error {
		c, err := s.caller(ctx)
		if err != nil {
			return err
		}
		st, err := s.svc.store(ctx)
		if err != nil {
			return err
		}
		s.svc.refine(ctx, st, c, snapshot, func(i int, count registrycache.UnreadCount) {
			onCount(snapshot[i].ID, count)
		})
		return nil
	})
}

func (s *Service) refine(ctx context.Context, st registrystore.MessagingStore, c caller, views []ConversationView, onCount func(int, registrycache.UnreadCount)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RefineConcurrency)
	results := make([]*registrycache.UnreadCount, len(views))
	for i := range views {
		i := i
		g.Go(func() error {
			since := views[i].ReadStatus[c.id]
			count, err := s.exactUnread(gctx, st, c, views[i].ID, since, 0)
			if err != nil {
				log.Warn("Failed to refine unread count", "conversation", views[i].ID, "err", err)
				return nil
			}
			results[i] = &count
			return nil
		})
	}
	_ = g.Wait()
	for i, count := range results {
		if count != nil {
			onCount(i, *count)
		}
	}
}
