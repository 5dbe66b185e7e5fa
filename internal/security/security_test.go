package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminDirectory(t *testing.T) {
	d := NewAdminDirectory([]string{"Root@x.com", "ops@x.com", "root@x.com", ""})
	primary, ok := d.Primary()
	require.True(t, ok)
	assert.Equal(t, "Root@x.com", primary)
	assert.Equal(t, []string{"Root@x.com", "ops@x.com"}, d.All())
	assert.True(t, d.IsAdmin("root@X.com"))
	assert.False(t, d.IsAdmin("alice@x.com"))

	var empty *AdminDirectory
	_, ok = empty.Primary()
	assert.False(t, ok)
	assert.False(t, empty.IsAdmin("root@x.com"))
}

func TestResolve_BearerAsUser(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AdminUsers = "root@x.com"
	r := NewTokenResolver(&cfg, nil)

	id, err := r.Resolve(context.Background(), "alice@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, "alice@x.com", id.UserID)
	assert.Equal(t, DefaultClientID, id.ClientID)
	assert.False(t, id.IsAdmin)

	id, err = r.Resolve(context.Background(), "root@x.com", "tab-2")
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)
	assert.Equal(t, "tab-2", id.ClientID)

	_, err = r.Resolve(context.Background(), "  ", "")
	require.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	r := gin.New()
	r.GET("/me", AuthMiddleware(NewTokenResolver(&cfg, NewAdminDirectory([]string{"root@x.com"}))), func(c *gin.Context) {
		id := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"user": id.UserID, "admin": id.IsAdmin, "client": id.ClientID})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer root@x.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"user":"root@x.com","admin":true,"client":"default"}`, w.Body.String())
}

func TestRequireAdminRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", func(c *gin.Context) {
		c.Set(ContextKeyIsAdmin, false)
		c.Next()
	}, RequireAdminRole(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAwaitIdentity_WaitsForSignIn(t *testing.T) {
	var calls atomic.Int32
	src := IdentityFunc(func(context.Context) (*Identity, error) {
		if calls.Add(1) < 3 {
			return nil, nil
		}
		return &Identity{UserID: "alice@x.com"}, nil
	})
	id, err := AwaitIdentity(context.Background(), src, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "alice@x.com", id.UserID)
}

func TestAwaitIdentity_TimesOut(t *testing.T) {
	src := IdentityFunc(func(context.Context) (*Identity, error) { return nil, nil })
	_, err := AwaitIdentity(context.Background(), src, 100*time.Millisecond)
	var notAuth *registrystore.NotAuthenticatedError
	require.ErrorAs(t, err, &notAuth)

	_, err = AwaitIdentity(context.Background(), nil, time.Second)
	require.ErrorAs(t, err, &notAuth)

	_, err = AwaitIdentity(context.Background(), src, 0)
	require.ErrorAs(t, err, &notAuth)
}

func TestParseMetricsLabels(t *testing.T) {
	labels, err := ParseMetricsLabels("service=messaging,env=test")
	require.NoError(t, err)
	require.Equal(t, "messaging", labels["service"])
	require.Equal(t, "test", labels["env"])

	_, err = ParseMetricsLabels("bad-key=1")
	require.Error(t, err)
}
