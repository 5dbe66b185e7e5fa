package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/messaging"
	routesystem "github.com/chirino/messaging-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/messaging-service/internal/plugin/store/metrics"
	"github.com/chirino/messaging-service/internal/plugin/store/notifying"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Stores     *registrystore.Handle
	Broker     registrynotify.Broker
	Service    *messaging.Service
	Sessions   *messaging.Sessions
	Router     *gin.Engine
	Running    *RunningServers
	Management *RunningServers

	cancel context.CancelFunc
}

// Shutdown stops accepting requests, ends every live subscription and waits
// for detached background writes before releasing the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Management != nil {
		_ = s.Management.Close(ctx)
	}
	err := s.Running.Close(ctx)
	s.Sessions.CloseAll()
	if waitErr := s.Service.Wait(ctx); waitErr != nil {
		log.Warn("Background tasks still running at shutdown", "err", waitErr)
	}
	s.cancel()
	s.Stores.Close()
	if closeErr := s.Broker.Close(); closeErr != nil {
		log.Warn("Failed to close notify broker", "err", closeErr)
	}
	return err
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port; the bound port is Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting messaging service",
		"port", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"notify", cfg.NotifyType,
		"cache", cfg.CacheType,
		"attachments", cfg.AttachType,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Background loops (store connect, pool gauges, retention) stop with the server.
	ctx, cancel := context.WithCancel(ctx)
	ok := false
	defer func() {
		if !ok {
			cancel()
		}
	}()

	broker, err := openBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	// The store connects in the background; operations wait up to ReadyTimeout.
	stores := registrystore.NewHandle(ctx, func(ctx context.Context) (registrystore.MessagingStore, error) {
		st, err := storeLoader(ctx)
		if err != nil {
			return nil, err
		}
		return notifying.Wrap(storemetrics.Wrap(st), broker), nil
	})

	admins := security.NewAdminDirectory(cfg.AdminList())
	if len(admins.All()) == 0 {
		log.Warn("No admin users configured; admin conversations are unavailable")
	}
	svc := messaging.New(messaging.Deps{
		Stores:      stores,
		Broker:      broker,
		Cache:       openCache(ctx, cfg),
		Attachments: openAttachments(ctx, cfg),
		Admins:      admins,
	}, messaging.OptionsFromConfig(cfg))
	sessions := messaging.NewSessions(svc)

	env := &registryroute.Env{
		Config:   cfg,
		Stores:   stores,
		Service:  svc,
		Sessions: sessions,
		Auth:     security.AuthMiddleware(security.NewTokenResolver(cfg, admins)),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(security.AdminAuditMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	if err := registryroute.MountAll(registryroute.RouteTypeMain, router, env); err != nil {
		stores.Close()
		_ = broker.Close()
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	srv := &Server{
		Config:   cfg,
		Stores:   stores,
		Broker:   broker,
		Service:  svc,
		Sessions: sessions,
		Router:   router,
		cancel:   cancel,
	}

	if cfg.ManagementListenerEnabled {
		mgmt, err := managementRouter(cfg, env)
		if err == nil {
			srv.Management, err = startManagementServer(cfg.ManagementListener, mgmt)
		}
		if err != nil {
			stores.Close()
			_ = broker.Close()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else if err := registryroute.MountAll(registryroute.RouteTypeManagement, router, env); err != nil {
		stores.Close()
		_ = broker.Close()
		return nil, fmt.Errorf("failed to load management routes: %w", err)
	}

	retention, err := service.NewArchiveRetention(stores, cfg.ArchiveRetentionPeriod, cfg.ArchiveRetentionCron, cfg.ReadyTimeout)
	if err != nil {
		log.Warn("Archive retention disabled", "err", err)
	}
	go retention.Start(ctx)

	srv.Running, err = StartSinglePort("main", cfg.Listener, router)
	if err != nil {
		if srv.Management != nil {
			_ = srv.Management.Close(context.Background())
		}
		stores.Close()
		_ = broker.Close()
		return nil, err
	}
	routesystem.MarkReady()
	ok = true

	log.Info("Server listening",
		"addr", srv.Running.Addr,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)
	return srv, nil
}

func openBroker(ctx context.Context, cfg *config.Config) (registrynotify.Broker, error) {
	loader, err := registrynotify.Select(cfg.NotifyType)
	if err != nil {
		return nil, err
	}
	broker, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s notify broker: %w", cfg.NotifyType, err)
	}
	return broker, nil
}

// openCache returns nil when the cache is unavailable; unread counts are
// then always computed from the message log.
func openCache(ctx context.Context, cfg *config.Config) registrycache.UnreadCache {
	loader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
		return nil
	}
	c, err := loader(ctx)
	if err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		return nil
	}
	return c
}

// openAttachments returns nil when no attachment store is usable; uploads
// then fail with UploadFailed.
func openAttachments(ctx context.Context, cfg *config.Config) registryattach.AttachmentStore {
	name := cfg.AttachType
	// "db" keeps blobs next to the conversations, which for mongo means GridFS.
	if name == "db" && cfg.DatastoreType == "mongo" {
		name = "mongo"
	}
	if name == "" {
		return nil
	}
	loader, err := registryattach.Select(name)
	if err != nil {
		log.Warn("Attachment store not available", "attachments", name, "err", err)
		return nil
	}
	st, err := loader(ctx)
	if err != nil {
		log.Warn("Failed to initialize attachment store", "attachments", name, "err", err)
		return nil
	}
	return st
}
