package session_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/plugin/route/routetest"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogoutClosesClientSession(t *testing.T) {
	r, env := routetest.New(t, nil)

	w := routetest.Do(t, r, http.MethodGet, "/v1/conversations", "alice@x.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, env.Sessions.Len())

	noop := func([]messaging.ConversationView) {}
	_, err := env.Sessions.Get(security.Identity{UserID: "alice@x.com", ClientID: security.DefaultClientID}).ListenConversations(context.Background(), noop, nil)
	require.NoError(t, err)
	_, err = env.Sessions.Get(security.Identity{UserID: "alice@x.com", ClientID: "other-tab"}).ListenConversations(context.Background(), noop, nil)
	require.NoError(t, err)
	require.Equal(t, 2, env.Sessions.Len())

	w = routetest.Do(t, r, http.MethodDelete, "/v1/session", "alice@x.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, routetest.Decode[map[string]bool](t, w)["closed"])
	assert.Equal(t, 1, env.Sessions.Len())

	w = routetest.Do(t, r, http.MethodDelete, "/v1/session", "alice@x.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, routetest.Decode[map[string]bool](t, w)["closed"])
}
