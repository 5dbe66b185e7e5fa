package route

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/chirino/messaging-service/internal/realtime"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledWriter accepts headers but blocks every body write until released,
// like a client that stopped reading.
type stalledWriter struct {
	header  http.Header
	release chan struct{}
	wrote   chan struct{}
	once    sync.Once
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{header: http.Header{}, release: make(chan struct{}), wrote: make(chan struct{})}
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.wrote) })
	<-w.release
	return len(p), nil
}

func (w *stalledWriter) CloseNotify() <-chan bool { return make(chan bool) }

func TestServeSSE_StalledClientDoesNotBlockCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	broker := local.New()
	defer broker.Close()

	w := newStalledWriter()
	c, _ := gin.CreateTestContext(w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/conversations/stream", nil).WithContext(ctx)

	var deliveries atomic.Int32
	subs := make(chan *realtime.Subscription, 1)
	served := make(chan struct{})
	go func() {
		defer close(served)
		ServeSSE(c, func(emit Emit) (*realtime.Subscription, error) {
			sub, err := realtime.Watch(ctx, broker, "conversations",
				func(context.Context) (int32, error) { return deliveries.Add(1), nil },
				func(v int32) { emit("data", v) }, nil)
			if err == nil {
				subs <- sub
			}
			return sub, err
		})
	}()
	sub := <-subs
	<-w.wrote

	// One event stuck in the writer, eight buffered, the next one parked in emit.
	require.Eventually(t, func() bool {
		_ = broker.Publish(ctx, "conversations")
		return deliveries.Load() >= 10
	}, 2*time.Second, 5*time.Millisecond)

	cancelled := make(chan struct{})
	go func() {
		sub.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelling the subscription waited on the stalled client")
	}

	close(w.release)
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after its subscription stopped")
	}
}

func TestServeSSE_OpenErrorIsReported(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/conversations/stream", nil)

	ServeSSE(c, func(Emit) (*realtime.Subscription, error) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: "c1"}
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleError_InternalErrorsAreMasked(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)

	HandleError(c, errors.New("db password leaked"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}
