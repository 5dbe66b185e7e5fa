package messages

import (
	"net/http"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/realtime"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  110,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the message log routes of a conversation.
func MountRoutes(r *gin.Engine, env *registryroute.Env) error {
	g := r.Group("/v1/conversations/:conversationId/messages", env.Auth)
	limit := security.UserRateLimit(env.Config.SendRate, env.Config.SendBurst)

	g.GET("", func(c *gin.Context) {
		loadMessages(c, env)
	})
	g.POST("", limit, func(c *gin.Context) {
		sendMessage(c, env)
	})
	g.GET("/stream", func(c *gin.Context) {
		streamMessages(c, env)
	})
	g.DELETE("/:messageId", func(c *gin.Context) {
		archived, err := env.Session(c).ArchiveAndDelete(c.Request.Context(), c.Param("conversationId"), c.Param("messageId"))
		if err != nil {
			registryroute.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, archived)
	})
	return nil
}

func loadMessages(c *gin.Context, env *registryroute.Env) {
	msgs, err := env.Session(c).Load(c.Request.Context(), c.Param("conversationId"), registryroute.QueryInt(c, "limit", 0))
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

func sendMessage(c *gin.Context, env *registryroute.Env) {
	var req struct {
		Content     string                       `json:"content"`
		Attachments []model.AttachmentDescriptor `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		registryroute.BadRequest(c, "body", err)
		return
	}
	msg, err := env.Session(c).Send(c.Request.Context(), c.Param("conversationId"), req.Content, req.Attachments)
	if err != nil {
		if msg != nil {
			// Stored, but the conversation summary lags behind.
			c.JSON(http.StatusAccepted, gin.H{"message": msg, "warning": err.Error()})
			return
		}
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func streamMessages(c *gin.Context, env *registryroute.Env) {
	sess := env.Session(c)
	registryroute.ServeSSE(c, func(emit registryroute.Emit) (*realtime.Subscription, error) {
		return sess.ListenMessages(c.Request.Context(), c.Param("conversationId"), func(msgs []model.Message) {
			emit("data", gin.H{"data": msgs})
		}, func(err error) {
			emit("error", registryroute.StreamError(err))
		})
	})
}
