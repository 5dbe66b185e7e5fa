package messaging_test

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminConversation_Stable(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()
	sess := e.session(t, alice)

	first, err := sess.GetOrCreateAdminConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin_x_com_alice_x_com", first.ID)
	assert.ElementsMatch(t, []string{admin, alice}, first.Participants)

	second, err := sess.GetOrCreateAdminConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	e.settle(t)

	// The admin reaches the same thread from the other side.
	fromAdmin, err := e.session(t, admin).GetOrCreateUserConversation(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, first.ID, fromAdmin.ID)
}

func TestAdminConversation_NoAdminConfigured(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	svc := messaging.New(messaging.Deps{
		Stores: registrystore.Ready(e.store),
		Broker: local.New(),
		Admins: security.NewAdminDirectory(nil),
	}, messaging.Options{})
	sess := svc.NewSession(security.StaticIdentity(&security.Identity{UserID: alice}))

	var validation *registrystore.ValidationError
	_, err := sess.GetOrCreateAdminConversation(context.Background())
	require.ErrorAs(t, err, &validation)
}

func TestUserConversation_AdminOnly(t *testing.T) {
	e := newEnv(t, messaging.Options{})

	var forbidden *registrystore.ForbiddenError
	_, err := e.session(t, alice).GetOrCreateUserConversation(context.Background(), bob)
	require.ErrorAs(t, err, &forbidden)
}

func TestDirectConversation(t *testing.T) {
	e := newEnv(t, messaging.Options{})
	ctx := context.Background()

	conv, err := e.session(t, bob).GetOrCreateDirectConversation(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice_x_com_bob_x_com", conv.ID)
	assert.Equal(t, bob, conv.CreatedBy)

	again, err := e.session(t, alice).GetOrCreateDirectConversation(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, bob, again.CreatedBy)

	var validation *registrystore.ValidationError
	_, err = e.session(t, alice).GetOrCreateDirectConversation(ctx, " ")
	require.ErrorAs(t, err, &validation)
	_, err = e.session(t, alice).GetOrCreateDirectConversation(ctx, "broadcasts")
	require.ErrorAs(t, err, &validation)
}
