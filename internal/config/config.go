package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the messaging service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the bearer token is accepted as the caller's email.
	Mode string

	// Database
	DBURL string

	// Datastore backend type: "sqlite", "postgres" or "mongo".
	DatastoreType string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Redis
	RedisURL string

	// Change notification backend: "local", "redis" or "postgres".
	NotifyType string

	// Unread count cache backend: "none", "redis" or "ristretto".
	CacheType      string
	UnreadCacheTTL time.Duration

	// Attachment store type: "db", "mongo" or "s3".
	AttachType string

	AttachmentMaxSize              int64
	AttachmentPathPrefix           string
	AttachmentDownloadURLExpiresIn time.Duration

	// PublicBaseURL is the externally reachable base URL used to build
	// download links for attachments served by this process.
	PublicBaseURL string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=messaging-service".
	MetricsLabels string

	// S3
	S3Bucket           string
	S3Prefix           string
	S3DirectDownload   bool
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly
	// provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Security
	AdminOIDCRole string
	// AdminUsers is an ordered CSV of admin emails. The first entry is the
	// primary admin that users reach through the admin conversation.
	AdminUsers string

	// Messaging core
	ReadyTimeout  time.Duration
	LoadLimit     int
	UnreadMaxScan int
	SearchLimit   int

	// Send rate limiting per user; SendRate <= 0 disables it.
	SendRate  float64
	SendBurst int

	// Archive retention; a zero period disables purging.
	ArchiveRetentionPeriod time.Duration
	ArchiveRetentionCron   string

	// Body size limit (bytes)
	MaxBodySize int64

	// TempDir holds spooled uploads and downloads. Empty uses the OS temp dir.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                           ModeProd,
		DBURL:                          "messaging.db",
		DatastoreType:                  "sqlite",
		DatastoreMigrateAtStart:        true,
		NotifyType:                     "local",
		CacheType:                      "none",
		UnreadCacheTTL:                 time.Minute,
		AttachType:                     "db",
		AttachmentMaxSize:              10 * 1024 * 1024, // 10 MB
		AttachmentPathPrefix:           "messageAttachments",
		AttachmentDownloadURLExpiresIn: 7 * 24 * time.Hour,
		PublicBaseURL:                  "http://localhost:8080",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		S3DirectDownload:     true,
		AdminOIDCRole:        "admin",
		ReadyTimeout:         5 * time.Second,
		LoadLimit:            50,
		UnreadMaxScan:        50,
		SearchLimit:          20,
		SendRate:             5,
		SendBurst:            10,
		ArchiveRetentionCron: "0 3 * * *",
		MaxBodySize:          20 * 1024 * 1024, // 2x attachment max-size
		DrainTimeout:         30,
		DBMaxOpenConns:       25,
		DBMaxIdleConns:       5,
	}
}

// AdminList returns the configured admin emails in order, without blanks or duplicates.
func (c *Config) AdminList() []string {
	if c == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(c.AdminUsers, ",") {
		item := strings.TrimSpace(part)
		if item == "" || seen[strings.ToLower(item)] {
			continue
		}
		seen[strings.ToLower(item)] = true
		out = append(out, item)
	}
	return out
}

// ResolvedPublicBaseURL returns PublicBaseURL without a trailing slash.
func (c *Config) ResolvedPublicBaseURL() string {
	if c == nil {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
}

// ResolvedTempDir returns the directory for spooled blob data.
func (c *Config) ResolvedTempDir() string {
	if c != nil && strings.TrimSpace(c.TempDir) != "" {
		return c.TempDir
	}
	return filepath.Join(os.TempDir(), "messaging-service")
}
