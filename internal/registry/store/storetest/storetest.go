// Package storetest holds behavior tests every MessagingStore must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) registrystore.MessagingStore

// Run exercises the MessagingStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateConflict", func(t *testing.T) { testCreateConflict(t, newStore(t)) })
	t.Run("AddParticipants", func(t *testing.T) { testAddParticipants(t, newStore(t)) })
	t.Run("UpdateLastMessage", func(t *testing.T) { testUpdateLastMessage(t, newStore(t)) })
	t.Run("MarkRead", func(t *testing.T) { testMarkRead(t, newStore(t)) })
	t.Run("ConcurrentMerges", func(t *testing.T) { testConcurrentMerges(t, newStore(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("Archive", func(t *testing.T) { testArchive(t, newStore(t)) })
}

func newConversation(id string, participants ...string) model.Conversation {
	return model.Conversation{
		ID:           id,
		Participants: participants,
		CreatedBy:    participants[0],
		IsActive:     true,
	}
}

func testCreateAndGet(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	job := "job-42"
	conv := newConversation("alice_x_com_bob_x_com", "bob@x.com", "alice@x.com")
	conv.JobID = &job
	conv.LastMessage = "hello"

	created, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@x.com", "bob@x.com"}, created.Participants)
	assert.Equal(t, "hello", created.LastMessage)
	require.NotNil(t, created.JobID)
	assert.Equal(t, "job-42", *created.JobID)
	require.NotNil(t, created.LastMessageTime)
	assert.False(t, created.CreatedAt.IsZero())
	assert.True(t, created.IsActive)
	require.Len(t, created.ReadStatus, 2)
	for _, p := range created.Participants {
		v, ok := created.ReadStatus[p]
		assert.True(t, ok, p)
		assert.Nil(t, v, p)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Participants, got.Participants)

	_, err = s.GetConversation(ctx, "missing")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func testCreateConflict(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation("a_b", "a", "b")
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, conv)
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func testAddParticipants(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation("a_b", "a", "b")
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)
	readAt, err := s.MarkRead(ctx, conv.ID, "a")
	require.NoError(t, err)

	require.NoError(t, s.AddParticipants(ctx, conv.ID, []string{"c", "a"}))
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.Participants)
	require.Contains(t, got.ReadStatus, "c")
	assert.Nil(t, got.ReadStatus["c"])
	require.NotNil(t, got.ReadStatus["a"], "existing cursor must survive a union")
	assert.True(t, readAt.Equal(*got.ReadStatus["a"]))

	err = s.AddParticipants(ctx, "missing", []string{"x"})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func testUpdateLastMessage(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation("a_b", "a", "b")
	created, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)

	at, err := s.UpdateLastMessage(ctx, conv.ID, "latest")
	require.NoError(t, err)
	assert.True(t, at.After(*created.LastMessageTime))
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "latest", got.LastMessage)
	assert.True(t, at.Equal(*got.LastMessageTime))

	_, err = s.UpdateLastMessage(ctx, "missing", "x")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func testMarkRead(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation(model.BroadcastConversationID, model.BroadcastParticipant)
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)

	// Readers outside the participant list still get a cursor.
	at, err := s.MarkRead(ctx, conv.ID, "reader@x.com")
	require.NoError(t, err)
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReadStatus["reader@x.com"])
	assert.True(t, at.Equal(*got.ReadStatus["reader@x.com"]))
	assert.Equal(t, []string{model.BroadcastParticipant}, got.Participants)

	_, err = s.MarkRead(ctx, "missing", "a")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

// Participant unions and read cursors are field-scoped: concurrent writers
// never drop each other's updates or duplicate an entry.
func testConcurrentMerges(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation("alice_bob", "alice", "bob")
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)

	const writers = 20
	joined := make([]string, writers)
	for i := range joined {
		joined[i] = fmt.Sprintf("p%02d", i)
	}

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		p := joined[i]
		g.Go(func() error { return s.AddParticipants(ctx, conv.ID, []string{p, "alice"}) })
		g.Go(func() error {
			_, err := s.MarkRead(ctx, conv.ID, "alice")
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	want := append([]string{"alice", "bob"}, joined...)
	assert.ElementsMatch(t, want, got.Participants)
	assert.Len(t, got.ReadStatus, len(want))
	for _, p := range want {
		assert.Contains(t, got.ReadStatus, p)
	}
	require.NotNil(t, got.ReadStatus["alice"])

	// Every newcomer reads at once while bob's cursor and the summary move.
	g = errgroup.Group{}
	for _, p := range joined {
		p := p
		g.Go(func() error {
			_, err := s.MarkRead(ctx, conv.ID, p)
			return err
		})
	}
	g.Go(func() error {
		_, err := s.MarkRead(ctx, conv.ID, "bob")
		return err
	})
	g.Go(func() error {
		_, err := s.UpdateLastMessage(ctx, conv.ID, "latest")
		return err
	})
	require.NoError(t, g.Wait())

	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, len(want))
	assert.Len(t, got.ReadStatus, len(want))
	assert.Equal(t, "latest", got.LastMessage)
	for _, p := range want {
		assert.NotNil(t, got.ReadStatus[p], p)
	}
}

func testListActive(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.CreateConversation(ctx, newConversation(fmt.Sprintf("c%d", i), "a", fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
	}
	all, err := s.ListActiveConversations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, c := range all {
		assert.Len(t, c.Participants, 2)
		assert.Len(t, c.ReadStatus, 2)
	}
}

func testMessages(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation("a_b", "a", "b")
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, conv.ID, model.Message{
			SenderID: "a",
			Content:  fmt.Sprintf("m%d", i),
			Status:   model.MessageStatusSent,
			ReadBy:   []string{"a"},
			Attachments: []model.AttachmentDescriptor{
				{Name: "f.txt", URL: "https://x/f.txt", Size: 3, Type: "text/plain"},
			},
		})
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		require.False(t, m.Timestamp.IsZero())
		ids = append(ids, m.ID)
	}

	recent, err := s.ListRecentMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{recent[0].Content, recent[1].Content, recent[2].Content})
	for i := 1; i < len(recent); i++ {
		assert.True(t, recent[i].Timestamp.After(recent[i-1].Timestamp))
	}
	assert.Equal(t, []string{"a"}, recent[0].ReadBy)
	require.Len(t, recent[0].Attachments, 1)
	assert.Equal(t, "f.txt", recent[0].Attachments[0].Name)

	got, err := s.GetMessage(ctx, conv.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "m0", got.Content)

	require.NoError(t, s.DeleteMessage(ctx, conv.ID, ids[0]))
	_, err = s.GetMessage(ctx, conv.ID, ids[0])
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.ErrorAs(t, s.DeleteMessage(ctx, conv.ID, ids[0]), &notFound)

	_, err = s.AppendMessage(ctx, "missing", model.Message{SenderID: "a", Content: "x"})
	require.ErrorAs(t, err, &notFound)
}

func testSearch(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	for _, id := range []string{"a_b", "a_c"} {
		_, err := s.CreateConversation(ctx, newConversation(id, "a", id[2:]))
		require.NoError(t, err)
	}
	for _, m := range []struct{ conv, content string }{
		{"a_b", "hello there"}, {"a_b", "Hello caps"}, {"a_c", "help me"}, {"a_c", "hello again"},
	} {
		_, err := s.AppendMessage(ctx, m.conv, model.Message{SenderID: "a", Content: m.content})
		require.NoError(t, err)
	}

	hits, err := s.SearchMessages(ctx, registrystore.MessageSearch{Prefix: "hel"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "hello again", hits[0].Content, "newest first")
	assert.Equal(t, "a_c", hits[0].ConversationID)

	hits, err = s.SearchMessages(ctx, registrystore.MessageSearch{Prefix: "hello", ConversationID: "a_b"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hello there", hits[0].Content)

	hits, err = s.SearchMessages(ctx, registrystore.MessageSearch{Prefix: "hel", Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func testArchive(t *testing.T, s registrystore.MessagingStore) {
	ctx := context.Background()
	conv := newConversation("a_b", "a", "b")
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, conv.ID, model.Message{SenderID: "a", Content: "bye", ReadBy: []string{"a"}})
	require.NoError(t, err)

	archived, err := s.ArchiveMessage(ctx, model.ArchivedMessage{Message: *m, ConversationID: conv.ID, ArchivedBy: "a"})
	require.NoError(t, err)
	assert.False(t, archived.ArchivedAt.IsZero())

	got, err := s.GetArchivedMessage(ctx, model.ArchiveKey(conv.ID, m.ID))
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "bye", got.Content)
	assert.Equal(t, "a", got.SenderID)
	assert.Equal(t, "a", got.ArchivedBy)
	assert.Equal(t, conv.ID, got.ConversationID)
	assert.True(t, m.Timestamp.Equal(got.Timestamp))

	n, err := s.PurgeArchivedBefore(ctx, archived.ArchivedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = s.PurgeArchivedBefore(ctx, archived.ArchivedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetArchivedMessage(ctx, model.ArchiveKey(conv.ID, m.ID))
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
