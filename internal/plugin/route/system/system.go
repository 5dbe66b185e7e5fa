package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/messaging-service/internal/registry/route"
)

var started atomic.Bool

// MarkReady signals that the listeners are up. Readiness additionally waits
// for the datastore connection.
func MarkReady() {
	started.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  0,
		Type:   registryroute.RouteTypeManagement,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts health, readiness and metrics.
func MountRoutes(r *gin.Engine, env *registryroute.Env) error {
	// Liveness: process is up
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		switch {
		case !started.Load():
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		case env.Stores != nil && !env.Stores.IsReady():
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "waiting for datastore"})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		}
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return nil
}
