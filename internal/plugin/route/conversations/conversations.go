package conversations

import (
	"net/http"
	"strings"
	"time"

	"github.com/chirino/messaging-service/internal/messaging"
	"github.com/chirino/messaging-service/internal/realtime"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  100,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts the conversation routes.
func MountRoutes(r *gin.Engine, env *registryroute.Env) error {
	g := r.Group("/v1", env.Auth)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, env)
	})
	g.POST("/conversations", func(c *gin.Context) {
		createConversation(c, env)
	})
	g.GET("/conversations/stream", func(c *gin.Context) {
		streamConversations(c, env)
	})
	g.POST("/conversations/admin", func(c *gin.Context) {
		conv, err := env.Session(c).GetOrCreateAdminConversation(c.Request.Context())
		respondConversation(c, conv, err)
	})
	g.POST("/conversations/direct", func(c *gin.Context) {
		target, ok := bindTarget(c)
		if !ok {
			return
		}
		conv, err := env.Session(c).GetOrCreateDirectConversation(c.Request.Context(), target)
		respondConversation(c, conv, err)
	})
	g.POST("/admin/conversations", security.RequireAdminRole(), func(c *gin.Context) {
		target, ok := bindTarget(c)
		if !ok {
			return
		}
		conv, err := env.Session(c).GetOrCreateUserConversation(c.Request.Context(), target)
		respondConversation(c, conv, err)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, env)
	})
	g.POST("/conversations/:conversationId/read", func(c *gin.Context) {
		markRead(c, env)
	})
	g.GET("/conversations/:conversationId/unread", func(c *gin.Context) {
		unreadCount(c, env)
	})
	return nil
}

func listConversations(c *gin.Context, env *registryroute.Env) {
	sess := env.Session(c)
	views, err := sess.List(c.Request.Context())
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	if c.Query("exact") == "true" {
		if err := sess.RefineUnread(c.Request.Context(), views); err != nil {
			registryroute.HandleError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func createConversation(c *gin.Context, env *registryroute.Env) {
	var req struct {
		Participants   []string `json:"participants"`
		JobID          *string  `json:"jobId"`
		InitialMessage string   `json:"initialMessage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		registryroute.BadRequest(c, "body", err)
		return
	}
	conv, err := env.Session(c).Create(c.Request.Context(), messaging.CreateRequest{
		Participants:   req.Participants,
		JobID:          req.JobID,
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func streamConversations(c *gin.Context, env *registryroute.Env) {
	sess := env.Session(c)
	exact := c.Query("exact") == "true"
	registryroute.ServeSSE(c, func(emit registryroute.Emit) (*realtime.Subscription, error) {
		return sess.ListenConversations(c.Request.Context(), func(views []messaging.ConversationView) {
			emit("data", gin.H{"data": views})
			if exact {
				sess.RefineUnreadLater(views, func(id string, count registrycache.UnreadCount) {
					emit("unread", gin.H{"conversationId": id, "unread": count.Count, "capped": count.Capped})
				})
			}
		}, func(err error) {
			emit("error", registryroute.StreamError(err))
		})
	})
}

func getConversation(c *gin.Context, env *registryroute.Env) {
	view, err := env.Session(c).Get(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func markRead(c *gin.Context, env *registryroute.Env) {
	readAt, err := env.Session(c).MarkRead(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"readAt": readAt})
}

func unreadCount(c *gin.Context, env *registryroute.Env) {
	var since *time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			registryroute.BadRequest(c, "since", err)
			return
		}
		since = &t
	}
	maxScan := registryroute.QueryInt(c, "maxScan", 0)
	count, err := env.Session(c).ExactUnreadSince(c.Request.Context(), c.Param("conversationId"), since, maxScan)
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count.Count, "capped": count.Capped})
}

func bindTarget(c *gin.Context) (string, bool) {
	var req struct {
		Target string `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		registryroute.BadRequest(c, "body", err)
		return "", false
	}
	return strings.TrimSpace(req.Target), true
}

func respondConversation(c *gin.Context, conv any, err error) {
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
