package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/model"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_AppendsAndUpdatesSummary(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	conv, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{alice, bob}})
	require.NoError(t, err)
	require.Equal(t, "alice_x_com_bob_x_com", conv.ID)

	msg, err := sess.Send(ctx, conv.ID, "hi", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, model.MessageStatusSent, msg.Status)

	got, err := sess.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.LastMessage)
	require.NotNil(t, got.LastMessageTime)

	msgs, err := e.session(t, bob).Load(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, alice, msgs[0].SenderID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, []string{alice}, msgs[0].ReadBy)
	assert.Equal(t, []model.AttachmentDescriptor{}, msgs[0].Attachments)
}

func TestSend_AdminJoinsParticipants(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)

	_, err = e.session(t, admin).Send(ctx, conv.ID, "checking in", nil)
	require.NoError(t, err)

	stored, err := e.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{admin, alice, bob}, stored.Participants)
	assert.Contains(t, stored.ReadStatus, admin)
}

func TestLoad_MarksReadInBackground(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "ping"})
	require.NoError(t, err)
	require.Nil(t, conv.ReadStatus[bob])

	_, err = e.session(t, bob).Load(ctx, conv.ID, 0)
	require.NoError(t, err)
	e.settle(t)

	stored, err := e.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReadStatus[bob])
}

func TestLoad_NewestWindowAscending(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	conv, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	for _, content := range []string{"1", "2", "3", "4"} {
		_, err := sess.Send(ctx, conv.ID, content, nil)
		require.NoError(t, err)
	}

	msgs, err := sess.Load(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "3", msgs[0].Content)
	assert.Equal(t, "4", msgs[1].Content)
}

func TestArchiveAndDelete(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	conv, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	keep, err := sess.Send(ctx, conv.ID, "keep", nil)
	require.NoError(t, err)
	drop, err := sess.Send(ctx, conv.ID, "drop", nil)
	require.NoError(t, err)

	archived, err := e.session(t, bob).ArchiveAndDelete(ctx, conv.ID, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, archived.ArchivedBy)
	assert.False(t, archived.ArchivedAt.IsZero())

	msgs, err := sess.Load(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, keep.ID, msgs[0].ID)

	stored, err := e.store.GetArchivedMessage(ctx, model.ArchiveKey(conv.ID, drop.ID))
	require.NoError(t, err)
	assert.Equal(t, drop.ID, stored.ID)
	assert.Equal(t, "drop", stored.Content)
	assert.Equal(t, alice, stored.SenderID)
	assert.Equal(t, conv.ID, stored.ConversationID)
	assert.Equal(t, bob, stored.ArchivedBy)

	var notFound *registrystore.NotFoundError
	_, err = sess.ArchiveAndDelete(ctx, conv.ID, drop.ID)
	require.ErrorAs(t, err, &notFound)
}

func TestArchiveAndDelete_BroadcastForbidden(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, admin)

	conv, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{"broadcasts"}})
	require.NoError(t, err)
	msg, err := sess.Send(ctx, conv.ID, "announcement", nil)
	require.NoError(t, err)

	var forbidden *registrystore.ForbiddenError
	_, err = sess.ArchiveAndDelete(ctx, conv.ID, msg.ID)
	require.ErrorAs(t, err, &forbidden)

	msgs, err := sess.Load(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestSearch_FiltersHiddenConversations(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	ab, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "deploy today"})
	require.NoError(t, err)
	_, err = e.session(t, carol).Create(ctx, messaging.CreateRequest{Participants: []string{admin}, InitialMessage: "deploy tomorrow"})
	require.NoError(t, err)

	hits, err := e.session(t, bob).Search(ctx, "deploy", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ab.ID, hits[0].ConversationID)
	assert.Equal(t, "deploy today", hits[0].Content)

	hits, err = e.session(t, admin).Search(ctx, "deploy", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "deploy tomorrow", hits[0].Content)

	hits, err = e.session(t, admin).Search(ctx, "dep", ab.ID, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	var validation *registrystore.ValidationError
	_, err = e.session(t, bob).Search(ctx, "", "", 0)
	require.ErrorAs(t, err, &validation)
}

func TestListenMessages_RedeliversAfterSend(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	conv, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "first"})
	require.NoError(t, err)

	snapshots := make(chan []model.Message, 16)
	sub, err := e.session(t, bob).ListenMessages(ctx, conv.ID, func(msgs []model.Message) { snapshots <- msgs }, nil)
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Len(t, nextSnapshot(t, snapshots), 1)

	_, err = sess.Send(ctx, conv.ID, "second", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case msgs := <-snapshots:
			return len(msgs) == 2 && msgs[1].Content == "second"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenMessages_ReplacesPreviousSubscription(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	conv, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)

	noop := func([]model.Message) {}
	first, err := sess.ListenMessages(ctx, conv.ID, noop, nil)
	require.NoError(t, err)
	second, err := sess.ListenMessages(ctx, conv.ID, noop, nil)
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first subscription still live")
	}
	assert.Equal(t, 1, sess.Subscriptions().Len())

	_, err = sess.ListenConversations(ctx, func([]messaging.ConversationView) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Subscriptions().Len())

	assert.True(t, sess.StopListening(conv.ID))
	<-second.Done()

	sess.Close()
	assert.Equal(t, 0, sess.Subscriptions().Len())
}

func TestListenConversations_SeesNewConversation(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	lists := make(chan []messaging.ConversationView, 16)
	sub, err := e.session(t, bob).ListenConversations(ctx, func(v []messaging.ConversationView) { lists <- v }, nil)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Empty(t, nextSnapshot(t, lists))

	conv, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case v := <-lists:
			return len(v) == 1 && v[0].ID == conv.ID && v[0].Unread == 1
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func nextSnapshot[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	var zero T
	return zero
}
