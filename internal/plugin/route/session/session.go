package session

import (
	"net/http"

	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  200,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts client session management.
func MountRoutes(r *gin.Engine, env *registryroute.Env) error {
	// Logout: drop every live stream of the calling client.
	r.DELETE("/v1/session", env.Auth, func(c *gin.Context) {
		closed := env.Sessions.Close(security.GetUserID(c), security.GetClientID(c))
		c.JSON(http.StatusOK, gin.H{"closed": closed})
	})
	return nil
}
