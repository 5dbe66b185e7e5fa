package route

import (
	"sort"
	"sync"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/messaging"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Env is what route plugins mount against. Management plugins only see
// Config and Stores; API plugins get the full core.
type Env struct {
	Config   *config.Config
	Stores   *registrystore.Handle
	Service  *messaging.Service
	Sessions *messaging.Sessions
	// Auth resolves the bearer token into the caller identity.
	Auth gin.HandlerFunc
}

// Session returns the messaging session of the authenticated client.
func (e *Env) Session(c *gin.Context) *messaging.Session {
	id := security.GetIdentity(c)
	if id == nil {
		id = &security.Identity{ClientID: security.GetClientID(c)}
	}
	return e.Sessions.Get(*id)
}

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine, env *Env) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin is a route plugin; Order fixes the mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func loaders(t RouteType) []RouterLoader {
	mu.Lock()
	selected := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p.Type == t {
			selected = append(selected, p)
		}
	}
	mu.Unlock()
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Order < selected[j].Order })
	out := make([]RouterLoader, len(selected))
	for i, p := range selected {
		out[i] = p.Loader
	}
	return out
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted by order.
func MainRouteLoaders() []RouterLoader { return loaders(RouteTypeMain) }

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins, sorted by order.
func ManagementRouteLoaders() []RouterLoader { return loaders(RouteTypeManagement) }

// MountAll runs every loader of type t against r.
func MountAll(t RouteType, r *gin.Engine, env *Env) error {
	for _, load := range loaders(t) {
		if err := load(r, env); err != nil {
			return err
		}
	}
	return nil
}
