package search

import (
	"net/http"

	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  130,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts message search.
func MountRoutes(r *gin.Engine, env *registryroute.Env) error {
	g := r.Group("/v1", env.Auth)
	g.GET("/messages/search", func(c *gin.Context) {
		searchMessages(c, env)
	})
	return nil
}

func searchMessages(c *gin.Context, env *registryroute.Env) {
	limit := registryroute.QueryInt(c, "limit", 0)
	if limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_argument", "error": "limit must not be negative", "field": "limit"})
		return
	}
	hits, err := env.Session(c).Search(c.Request.Context(), c.Query("q"), c.Query("conversationId"), limit)
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": hits})
}
