package route

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/realtime"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// HandleError writes the JSON error body for err.
func HandleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var unauthenticated *registrystore.NotAuthenticatedError
	var unavailable *registrystore.UnavailableError
	var upload *registrystore.UploadFailedError

	code := registrystore.Kind(err)
	switch {
	case errors.As(err, &unauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"code": code, "error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": code, "error": err.Error()})
	case errors.As(err, &upload):
		log.Warn("Attachment upload failed", "name", upload.Name, "err", upload.Err)
		c.JSON(http.StatusBadGateway, gin.H{"code": code, "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": code, "error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": code, "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": code, "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": code, "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": code, "error": "internal server error"})
	}
}

// BadRequest rejects a malformed request body or parameter.
func BadRequest(c *gin.Context, field string, err error) {
	HandleError(c, &registrystore.ValidationError{Field: field, Message: err.Error()})
}

// QueryInt parses an integer query parameter, falling back to def.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type sseEvent struct {
	name string
	data any
}

// Emit queues one server-sent event.
type Emit func(event string, data any)

// ServeSSE relays a live subscription to the client as server-sent events
// until the client goes away or the subscription ends, for instance because
// the same client opened a newer stream on the same key. Snapshots go out as
// "data" events and subscription errors as "error" events.
func ServeSSE(c *gin.Context, open func(emit Emit) (*realtime.Subscription, error)) {
	ctx := c.Request.Context()
	events := make(chan sseEvent, 8)
	stop := make(chan struct{})
	// opened is closed once sub is set; until then emits rely on the buffer.
	opened := make(chan struct{})
	var sub *realtime.Subscription

	emit := func(event string, data any) {
		ev := sseEvent{name: event, data: data}
		select {
		case events <- ev:
			return
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-opened:
		}
		// A replacing subscription must not wait on a slow client.
		select {
		case events <- ev:
		case <-stop:
		case <-ctx.Done():
		case <-sub.Stopping():
		}
	}
	sub, err := open(emit)
	if err != nil {
		close(stop)
		HandleError(c, err)
		return
	}
	close(opened)
	defer func() {
		close(stop)
		sub.Cancel()
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Done():
			c.SSEvent("end", gin.H{"reason": "replaced"})
			return false
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return true
		}
	})
}

// StreamError adapts an error for an SSE "error" event.
func StreamError(err error) gin.H {
	return gin.H{"code": registrystore.Kind(err), "error": err.Error()}
}
