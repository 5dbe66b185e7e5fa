package messaging_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/attach/dbstore"
	"github.com/chirino/messaging-service/internal/plugin/cache/ristretto"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/chirino/messaging-service/internal/plugin/store/notifying"
	"github.com/chirino/messaging-service/internal/plugin/store/sqlstore"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "alice@x.com"
	bob   = "bob@x.com"
	carol = "carol@x.com"
	admin = "admin@x.com"
)

const baseURL = "http://chat.test"

type testEnv struct {
	svc   *messaging.Service
	store registrystore.MessagingStore
}

func newEnv(t *testing.T, opts messaging.Options) *testEnv {
	t.Helper()
	return newEnvWithStore(t, opts, nil)
}

// newEnvWithStore is newEnv with wrap applied around the store the service
// talks to.
func newEnvWithStore(t *testing.T, opts messaging.Options, wrap func(registrystore.MessagingStore) registrystore.MessagingStore) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "messaging.db"))
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.DialectSQLite))
	attachments, err := dbstore.New(db, t.TempDir())
	require.NoError(t, err)
	cache, err := ristretto.New(time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	broker := local.New()
	t.Cleanup(func() { _ = broker.Close() })
	var st registrystore.MessagingStore = notifying.Wrap(sqlstore.New(db), broker)
	if wrap != nil {
		st = wrap(st)
	}

	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = baseURL
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 200 * time.Millisecond
	}
	svc := messaging.New(messaging.Deps{
		Stores:      registrystore.Ready(st),
		Broker:      broker,
		Cache:       cache,
		Attachments: attachments,
		Admins:      security.NewAdminDirectory([]string{admin}),
	}, opts)
	t.Cleanup(func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(wctx)
	})
	return &testEnv{svc: svc, store: st}
}

func (e *testEnv) session(t *testing.T, userID string) *messaging.Session {
	sess := e.svc.NewSession(security.StaticIdentity(&security.Identity{UserID: userID, ClientID: "test"}))
	t.Cleanup(sess.Close)
	return sess
}

// settle waits for detached writes such as read-on-view to land.
func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Wait(ctx))
}

func TestCreate_ReadStatusPerParticipant(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob, carol}})
	require.NoError(t, err)
	assert.Equal(t, "alice_x_com_bob_x_com_carol_x_com", conv.ID)
	assert.Equal(t, []string{alice, bob, carol}, conv.Participants)
	assert.Equal(t, alice, conv.CreatedBy)
	assert.True(t, conv.IsActive)
	require.Len(t, conv.ReadStatus, 3)
	for _, p := range conv.Participants {
		v, ok := conv.ReadStatus[p]
		assert.True(t, ok, p)
		assert.Nil(t, v, p)
	}
}

func TestCreate_ExistingIsReturnedUntouched(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	jobID := "job-1"

	first, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}, JobID: &jobID})
	require.NoError(t, err)

	again, err := e.session(t, bob).Create(ctx, messaging.CreateRequest{Participants: []string{alice}, InitialMessage: "hello again"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, alice, again.CreatedBy)
	require.NotNil(t, again.JobID)
	assert.Equal(t, jobID, *again.JobID)
	assert.Equal(t, "hello again", again.LastMessage)
}

func TestCreate_InvalidParticipants(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	var validation *registrystore.ValidationError
	_, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{"", ""}})
	require.ErrorAs(t, err, &validation)

	_, err = sess.Create(ctx, messaging.CreateRequest{Participants: []string{"broadcasts", bob}})
	require.ErrorAs(t, err, &validation)
}

func TestBroadcast_VisibleToEveryone(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, admin).Create(ctx, messaging.CreateRequest{Participants: []string{"broadcasts"}, InitialMessage: "maintenance tonight"})
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastConversationID, conv.ID)
	assert.Equal(t, []string{model.BroadcastParticipant}, conv.Participants)

	views, err := e.session(t, carol).List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, model.BroadcastConversationID, views[0].ID)
	assert.Equal(t, "maintenance tonight", views[0].LastMessage)
}

func TestVisibility_OutsidersNeverSeeConversation(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, alice).Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "secret"})
	require.NoError(t, err)

	outsider := e.session(t, carol)
	views, err := outsider.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, views)

	var notFound *registrystore.NotFoundError
	_, err = outsider.Get(ctx, conv.ID)
	require.ErrorAs(t, err, &notFound)
	_, err = outsider.Load(ctx, conv.ID, 0)
	require.ErrorAs(t, err, &notFound)
	_, err = outsider.Send(ctx, conv.ID, "let me in", nil)
	require.ErrorAs(t, err, &notFound)
	_, err = outsider.MarkRead(ctx, conv.ID)
	require.ErrorAs(t, err, &notFound)

	views, err = e.session(t, admin).List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, conv.ID, views[0].ID)
}

func TestList_MostRecentFirst(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	older, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{bob}, InitialMessage: "one"})
	require.NoError(t, err)
	newer, err := sess.Create(ctx, messaging.CreateRequest{Participants: []string{carol}, InitialMessage: "two"})
	require.NoError(t, err)

	views, err := sess.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, newer.ID, views[0].ID)
	assert.Equal(t, older.ID, views[1].ID)

	_, err = sess.Send(ctx, older.ID, "bump", nil)
	require.NoError(t, err)
	views, err = sess.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, older.ID, views[0].ID)
}

func TestNotAuthenticated(t *testing.T) {
	e := newEnv(t, messaging.Options{ReadyTimeout: 50 * time.Millisecond})
	sess := e.svc.NewSession(security.StaticIdentity(nil))

	var unauthenticated *registrystore.NotAuthenticatedError
	_, err := sess.List(context.Background())
	require.ErrorAs(t, err, &unauthenticated)
}

func TestSessions_RegisteredOnlyWhileListening(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sessions := messaging.NewSessions(e.svc)

	for i := 0; i < 1000; i++ {
		_, err := sessions.Get(security.Identity{UserID: alice, ClientID: fmt.Sprintf("c%d", i)}).List(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, sessions.Len())

	noop := func([]messaging.ConversationView) {}
	web := sessions.Get(security.Identity{UserID: alice, ClientID: "web"})
	webSub, err := web.ListenConversations(ctx, noop, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.Len())
	assert.Same(t, web, sessions.Get(security.Identity{UserID: alice, ClientID: "web"}))

	mobile := sessions.Get(security.Identity{UserID: alice, ClientID: "mobile"})
	assert.NotSame(t, web, mobile)
	mobileSub, err := mobile.ListenConversations(ctx, noop, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sessions.Len())

	assert.True(t, sessions.Close(alice, "web"))
	<-webSub.Done()
	assert.False(t, sessions.Close(alice, "web"))
	assert.Equal(t, 1, sessions.Len())

	// The last subscription ending drops the session.
	mobileSub.Cancel()
	require.Eventually(t, func() bool { return sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	tab := sessions.Get(security.Identity{UserID: alice, ClientID: "tab"})
	_, err = tab.ListenConversations(ctx, noop, nil)
	require.NoError(t, err)
	sessions.CloseAll()
	assert.Equal(t, 0, sessions.Len())
}

func TestSessions_ConcurrentListenersShareOneSession(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sessions := messaging.NewSessions(e.svc)
	t.Cleanup(sessions.CloseAll)

	id := security.Identity{UserID: alice, ClientID: "web"}
	conv, err := sessions.Get(id).Create(ctx, messaging.CreateRequest{Participants: []string{bob}})
	require.NoError(t, err)
	first := sessions.Get(id)
	second := sessions.Get(id)
	require.NotSame(t, first, second)

	noop := func([]messaging.ConversationView) {}
	_, err = first.ListenConversations(ctx, noop, nil)
	require.NoError(t, err)
	_, err = second.ListenMessages(ctx, conv.ID, func([]model.Message) {}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sessions.Len())
	assert.Equal(t, 2, sessions.Get(id).Subscriptions().Len())
	assert.True(t, second.StopListening(conv.ID))
}
