package serve

import (
	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
)

// managementRouter builds the router for /health, /ready and /metrics when
// they get their own port.
func managementRouter(cfg *config.Config, env *registryroute.Env) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		r.Use(security.AccessLogMiddleware())
	}
	if err := registryroute.MountAll(registryroute.RouteTypeManagement, r, env); err != nil {
		return nil, err
	}
	return r, nil
}

// startManagementServer serves the management router on its dedicated port.
// With neither protocol enabled it falls back to plaintext.
func startManagementServer(cfg config.ListenerConfig, router *gin.Engine) (*RunningServers, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	running, err := StartSinglePort("management", cfg, router)
	if err != nil {
		return nil, err
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running, nil
}
