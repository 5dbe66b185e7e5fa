package messages_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/route/routetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messagesResponse struct {
	Data []model.Message `json:"data"`
}

func createConversation(t *testing.T, r http.Handler) string {
	t.Helper()
	w := routetest.Do(t, r, http.MethodPost, "/v1/conversations", "alice@x.com", map[string]any{
		"participants": []string{"bob@x.com"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return routetest.Decode[model.Conversation](t, w).ID
}

func TestSendLoadDelete(t *testing.T) {
	r, _ := routetest.New(t, nil)
	id := createConversation(t, r)
	base := "/v1/conversations/" + id + "/messages"

	w := routetest.Do(t, r, http.MethodPost, base, "alice@x.com", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := routetest.Decode[model.Message](t, w)
	assert.Equal(t, "alice@x.com", sent.SenderID)

	w = routetest.Do(t, r, http.MethodGet, base+"?limit=10", "bob@x.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := routetest.Decode[messagesResponse](t, w).Data
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice@x.com"}, msgs[0].ReadBy)

	w = routetest.Do(t, r, http.MethodDelete, base+"/"+sent.ID, "bob@x.com", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	archived := routetest.Decode[model.ArchivedMessage](t, w)
	assert.Equal(t, "bob@x.com", archived.ArchivedBy)

	w = routetest.Do(t, r, http.MethodGet, base, "bob@x.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, routetest.Decode[messagesResponse](t, w).Data)

	w = routetest.Do(t, r, http.MethodDelete, base+"/"+sent.ID, "bob@x.com", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendRateLimited(t *testing.T) {
	r, _ := routetest.New(t, func(cfg *config.Config) {
		cfg.SendRate = 0.01
		cfg.SendBurst = 1
	})
	id := createConversation(t, r)
	base := "/v1/conversations/" + id + "/messages"

	w := routetest.Do(t, r, http.MethodPost, base, "alice@x.com", map[string]any{"content": "one"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = routetest.Do(t, r, http.MethodPost, base, "alice@x.com", map[string]any{"content": "two"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Other users have their own bucket.
	w = routetest.Do(t, r, http.MethodPost, base, "bob@x.com", map[string]any{"content": "three"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestStreamDeliversSnapshots(t *testing.T) {
	r, _ := routetest.New(t, nil)
	id := createConversation(t, r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/conversations/"+id+"/messages/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bob@x.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	waitFor := func(substr string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", substr)
				if strings.Contains(line, substr) {
					return
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}
	waitFor("event:data")

	w := routetest.Do(t, r, http.MethodPost, "/v1/conversations/"+id+"/messages", "alice@x.com", map[string]any{"content": "live update"})
	require.Equal(t, http.StatusCreated, w.Code)
	waitFor("live update")
}
