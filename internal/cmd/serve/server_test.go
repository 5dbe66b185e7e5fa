package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DBURL = filepath.Join(t.TempDir(), "messaging.db")
	cfg.TempDir = t.TempDir()
	cfg.AdminUsers = "admin@x.com"
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	cfg.MetricsLabels = "service=messaging-service-test"

	ctx := config.WithContext(context.Background(), &cfg)
	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return srv, fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)
}

func TestStartServer_ServesManagementAndAPI(t *testing.T) {
	srv, base := startTestServer(t)
	require.NotZero(t, srv.Running.Port)
	require.Nil(t, srv.Management)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	body, _ := json.Marshal(map[string]any{"participants": []string{"alice@x.com", "bob@x.com"}})
	req, err := http.NewRequest(http.MethodPost, base+"/v1/conversations", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice@x.com")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	require.Equal(t, "alice_x_com_bob_x_com", conv.ID)
}

func TestStartServer_RejectsUnknownBackends(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "cassandra"
	cfg.DatastoreMigrateAtStart = false
	cfg.Listener.Port = 0
	_, err := StartServer(config.WithContext(context.Background(), &cfg), &cfg)
	require.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.NotifyType = "carrier-pigeon"
	cfg.DatastoreMigrateAtStart = false
	cfg.Listener.Port = 0
	_, err = StartServer(config.WithContext(context.Background(), &cfg), &cfg)
	require.Error(t, err)
}

func TestServe_RegistersBackendPlugins(t *testing.T) {
	require.Subset(t, registrystore.Names(), []string{"postgres", "sqlite", "mongo"})
	require.Subset(t, registryattach.Names(), []string{"db", "mongo", "s3"})
}
