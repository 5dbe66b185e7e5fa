package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/messaging-service/internal/plugin/attach/dbstore"
	_ "github.com/chirino/messaging-service/internal/plugin/attach/mongostore"
	_ "github.com/chirino/messaging-service/internal/plugin/attach/s3store"
	_ "github.com/chirino/messaging-service/internal/plugin/cache/noop"
	_ "github.com/chirino/messaging-service/internal/plugin/cache/redis"
	_ "github.com/chirino/messaging-service/internal/plugin/cache/ristretto"
	_ "github.com/chirino/messaging-service/internal/plugin/notify/local"
	_ "github.com/chirino/messaging-service/internal/plugin/notify/postgres"
	_ "github.com/chirino/messaging-service/internal/plugin/notify/redis"
	_ "github.com/chirino/messaging-service/internal/plugin/route/attachments"
	_ "github.com/chirino/messaging-service/internal/plugin/route/conversations"
	_ "github.com/chirino/messaging-service/internal/plugin/route/messages"
	_ "github.com/chirino/messaging-service/internal/plugin/route/search"
	_ "github.com/chirino/messaging-service/internal/plugin/route/session"
	_ "github.com/chirino/messaging-service/internal/plugin/route/system"
	_ "github.com/chirino/messaging-service/internal/plugin/store/mongo"
	_ "github.com/chirino/messaging-service/internal/plugin/store/sqlstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	readHeaderTimeoutSecs := 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the messaging service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			cfg.CORSEnabled = cfg.CORSEnabled || cmd.IsSet("cors-origins")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts the bearer token as the caller email",
		},
		&cli.StringFlag{
			Name:        "public-base-url",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PUBLIC_BASE_URL"),
			Destination: &cfg.PublicBaseURL,
			Value:       cfg.PublicBaseURL,
			Usage:       "Externally reachable base URL used in attachment download links",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; a self-signed certificate is generated when unset",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes (multipart uploads are bounded by --attachments-max-size)",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for spooled uploads; defaults to the OS temp directory",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (* for any); enables CORS",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Value:       cfg.DBURL,
			Usage:       "Database connection URL (sqlite file path, postgres DSN or mongodb URI)",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.DurationFlag{
			Name:        "ready-timeout",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_READY_TIMEOUT"),
			Destination: &cfg.ReadyTimeout,
			Value:       cfg.ReadyTimeout,
			Usage:       "How long an operation waits for the datastore connection",
		},

		// ── Notifications ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "notify-kind",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_NOTIFY_KIND"),
			Destination: &cfg.NotifyType,
			Value:       cfg.NotifyType,
			Usage:       "Change notification broker (" + strings.Join(registrynotify.Names(), "|") + ")",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Unread count cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_REDIS_URL", "MESSAGING_SERVICE_REDIS_HOSTS"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL, shared by the redis cache and notify broker",
		},
		&cli.DurationFlag{
			Name:        "unread-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_UNREAD_CACHE_TTL"),
			Destination: &cfg.UnreadCacheTTL,
			Value:       cfg.UnreadCacheTTL,
			Usage:       "How long an exact unread count stays cached",
		},

		// ── Messaging ─────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "load-limit",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_LOAD_LIMIT"),
			Destination: &cfg.LoadLimit,
			Value:       cfg.LoadLimit,
			Usage:       "Default number of recent messages returned by a load",
		},
		&cli.IntFlag{
			Name:        "unread-max-scan",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_UNREAD_MAX_SCAN"),
			Destination: &cfg.UnreadMaxScan,
			Value:       cfg.UnreadMaxScan,
			Usage:       "Most recent messages scanned by an exact unread count",
		},
		&cli.IntFlag{
			Name:        "search-limit",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SEARCH_LIMIT"),
			Destination: &cfg.SearchLimit,
			Value:       cfg.SearchLimit,
			Usage:       "Default number of search hits",
		},
		&cli.FloatFlag{
			Name:        "send-rate",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SEND_RATE"),
			Destination: &cfg.SendRate,
			Value:       cfg.SendRate,
			Usage:       "Messages per second a user may send (0 disables the limit)",
		},
		&cli.IntFlag{
			Name:        "send-burst",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SEND_BURST"),
			Destination: &cfg.SendBurst,
			Value:       cfg.SendBurst,
			Usage:       "Burst size of the per-user send limit",
		},
		&cli.DurationFlag{
			Name:        "archive-retention-period",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ARCHIVE_RETENTION_PERIOD"),
			Destination: &cfg.ArchiveRetentionPeriod,
			Usage:       "Purge archived messages older than this (0 keeps them forever)",
		},
		&cli.StringFlag{
			Name:        "archive-retention-cron",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ARCHIVE_RETENTION_CRON"),
			Destination: &cfg.ArchiveRetentionCron,
			Value:       cfg.ArchiveRetentionCron,
			Usage:       "Cron schedule of the archive purge (UTC)",
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_KIND"),
			Destination: &cfg.AttachType,
			Value:       cfg.AttachType,
			Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
		},
		&cli.Int64Flag{
			Name:        "attachments-max-size",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_MAX_SIZE"),
			Destination: &cfg.AttachmentMaxSize,
			Value:       cfg.AttachmentMaxSize,
			Usage:       "Maximum attachment size in bytes",
		},
		&cli.StringFlag{
			Name:        "attachments-path-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_PATH_PREFIX"),
			Destination: &cfg.AttachmentPathPrefix,
			Value:       cfg.AttachmentPathPrefix,
			Usage:       "Storage key prefix for uploaded attachments",
		},
		&cli.DurationFlag{
			Name:        "attachments-url-expires-in",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_URL_EXPIRES_IN"),
			Destination: &cfg.AttachmentDownloadURLExpiresIn,
			Value:       cfg.AttachmentDownloadURLExpiresIn,
			Usage:       "Lifetime of signed download URLs",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for attachments",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Object key prefix inside the S3 bucket",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-direct-download",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_DIRECT_DOWNLOAD"),
			Destination: &cfg.S3DirectDownload,
			Value:       cfg.S3DirectDownload,
			Usage:       "Redirect downloads to presigned S3 URLs",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-external-endpoint",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "Endpoint used in presigned URLs when clients reach S3 at a different address",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "admin-users",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ADMIN_USERS", "MESSAGING_SERVICE_ROLES_ADMIN_USERS"),
			Destination: &cfg.AdminUsers,
			Usage:       "Comma-separated admin emails; the first is the primary admin of admin conversations",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},
		&cli.StringFlag{
			Name:        "roles-admin-oidc-role",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ROLES_ADMIN_OIDC_ROLE"),
			Destination: &cfg.AdminOIDCRole,
			Value:       cfg.AdminOIDCRole,
			Usage:       "OIDC role name that maps to admin permissions",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=messaging-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

// maxBodySizeMiddleware caps request bodies. Attachment uploads stream and
// are bounded by the attachment size limit instead.
func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize <= 0 || isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodPost {
		return false
	}
	if !strings.HasSuffix(strings.TrimRight(req.URL.Path, "/"), "/attachments") {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
