// Package routetest builds a fully wired API router on SQLite for route tests.
package routetest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/plugin/attach/dbstore"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/chirino/messaging-service/internal/plugin/store/notifying"
	"github.com/chirino/messaging-service/internal/plugin/store/sqlstore"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	_ "github.com/chirino/messaging-service/internal/plugin/route/attachments"
	_ "github.com/chirino/messaging-service/internal/plugin/route/conversations"
	_ "github.com/chirino/messaging-service/internal/plugin/route/messages"
	_ "github.com/chirino/messaging-service/internal/plugin/route/search"
	_ "github.com/chirino/messaging-service/internal/plugin/route/session"
	_ "github.com/chirino/messaging-service/internal/plugin/route/system"
)

const Admin = "admin@x.com"

// New returns a router with every route plugin mounted. mutate may adjust
// the configuration before the service is built.
func New(t *testing.T, mutate func(cfg *config.Config)) (*gin.Engine, *registryroute.Env) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.AdminUsers = Admin
	cfg.PublicBaseURL = "http://chat.test"
	cfg.SendRate = 0
	cfg.TempDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := sqlstore.Open(sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "messaging.db"))
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.DialectSQLite))
	attachments, err := dbstore.New(db, cfg.ResolvedTempDir())
	require.NoError(t, err)

	broker := local.New()
	t.Cleanup(func() { _ = broker.Close() })
	stores := registrystore.Ready(notifying.Wrap(sqlstore.New(db), broker))
	admins := security.NewAdminDirectory(cfg.AdminList())

	svc := messaging.New(messaging.Deps{
		Stores:      stores,
		Broker:      broker,
		Attachments: attachments,
		Admins:      admins,
	}, messaging.OptionsFromConfig(&cfg))
	sessions := messaging.NewSessions(svc)
	t.Cleanup(func() {
		sessions.CloseAll()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(wctx)
	})

	env := &registryroute.Env{
		Config:   &cfg,
		Stores:   stores,
		Service:  svc,
		Sessions: sessions,
		Auth:     security.AuthMiddleware(security.NewTokenResolver(&cfg, admins)),
	}
	r := gin.New()
	require.NoError(t, registryroute.MountAll(registryroute.RouteTypeMain, r, env))
	require.NoError(t, registryroute.MountAll(registryroute.RouteTypeManagement, r, env))
	return r, env
}

// Do sends a JSON request as user and returns the recorded response.
func Do(t *testing.T, r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// Decode unmarshals a recorded JSON body into T.
func Decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
