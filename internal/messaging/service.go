// Package messaging is the conversation and messaging core: conversation
// identity, access filtering, the message log, live snapshots, unread
// tracking, attachments and the admin/user routing helpers.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
)

// Options tunes the core. Zero values fall back to the defaults of
// config.DefaultConfig.
type Options struct {
	ReadyTimeout   time.Duration
	LoadLimit      int
	UnreadMaxScan  int
	SearchLimit    int
	UnreadCacheTTL time.Duration

	AttachmentMaxSize    int64
	AttachmentPathPrefix string
	PublicBaseURL        string
	// DirectDownload redirects blob downloads to signed URLs when the
	// attachment store can issue them.
	DirectDownload    bool
	DownloadURLExpiry time.Duration

	// BackgroundTimeout bounds every detached secondary write.
	BackgroundTimeout time.Duration
	// RefineConcurrency bounds parallel exact unread counts.
	RefineConcurrency int
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReadyTimeout:         cfg.ReadyTimeout,
		LoadLimit:            cfg.LoadLimit,
		UnreadMaxScan:        cfg.UnreadMaxScan,
		SearchLimit:          cfg.SearchLimit,
		UnreadCacheTTL:       cfg.UnreadCacheTTL,
		AttachmentMaxSize:    cfg.AttachmentMaxSize,
		AttachmentPathPrefix: cfg.AttachmentPathPrefix,
		PublicBaseURL:        cfg.ResolvedPublicBaseURL(),
		DirectDownload:       cfg.S3DirectDownload,
		DownloadURLExpiry:    cfg.AttachmentDownloadURLExpiresIn,
	}
}

func (o Options) withDefaults() Options {
	d := config.DefaultConfig()
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = d.ReadyTimeout
	}
	if o.LoadLimit <= 0 {
		o.LoadLimit = d.LoadLimit
	}
	if o.UnreadMaxScan <= 0 {
		o.UnreadMaxScan = d.UnreadMaxScan
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = d.SearchLimit
	}
	if o.UnreadCacheTTL <= 0 {
		o.UnreadCacheTTL = d.UnreadCacheTTL
	}
	if o.AttachmentMaxSize <= 0 {
		o.AttachmentMaxSize = d.AttachmentMaxSize
	}
	if o.AttachmentPathPrefix == "" {
		o.AttachmentPathPrefix = d.AttachmentPathPrefix
	}
	if o.DownloadURLExpiry <= 0 {
		o.DownloadURLExpiry = d.AttachmentDownloadURLExpiresIn
	}
	if o.BackgroundTimeout <= 0 {
		o.BackgroundTimeout = 30 * time.Second
	}
	if o.RefineConcurrency <= 0 {
		o.RefineConcurrency = 8
	}
	return o
}

// Deps are the backends the core runs on. Cache and Attachments may be nil.
type Deps struct {
	Stores      *registrystore.Handle
	Broker      registrynotify.Broker
	Cache       registrycache.UnreadCache
	Attachments registryattach.AttachmentStore
	Admins      *security.AdminDirectory
}

// Service holds the shared backends. Callers act through a Session.
type Service struct {
	stores      *registrystore.Handle
	broker      registrynotify.Broker
	cache       registrycache.UnreadCache
	attachments registryattach.AttachmentStore
	admins      *security.AdminDirectory
	opts        Options

	tasks sync.WaitGroup
}

func New(deps Deps, opts Options) *Service {
	return &Service{
		stores:      deps.Stores,
		broker:      deps.Broker,
		cache:       deps.Cache,
		attachments: deps.Attachments,
		admins:      deps.Admins,
		opts:        opts.withDefaults(),
	}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Admins returns the admin directory.
func (s *Service) Admins() *security.AdminDirectory { return s.admins }

func (s *Service) store(ctx context.Context) (registrystore.MessagingStore, error) {
	return s.stores.Get(ctx, s.opts.ReadyTimeout)
}

// detach runs a best-effort secondary task. Failures are logged and counted,
// never returned.
func (s *Service) detach(task string, fn func(ctx context.Context) error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.BackgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			security.BackgroundTaskFailed(task)
			log.Warn("Background task failed", "task", task, "err", err)
		}
	}()
}

// Wait blocks until every detached task has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) invalidateUnread(ctx context.Context, conversationID string) {
	if s.cache == nil || !s.cache.Available() {
		return
	}
	if err := s.cache.Invalidate(ctx, conversationID); err != nil {
		log.Warn("Failed to invalidate unread cache", "conversation", conversationID, "err", err)
	}
}

// caller is a resolved identity with its admin flag settled.
type caller struct {
	id    string
	admin bool
}

// invalidParticipants maps model validation errors onto ValidationError.
func invalidParticipants(err error) error {
	if errors.Is(err, model.ErrNoParticipants) || errors.Is(err, model.ErrMixedBroadcast) {
		return &registrystore.ValidationError{Field: "participants", Message: err.Error()}
	}
	return err
}

func conversationNotFound(id string) error {
	return &registrystore.NotFoundError{Resource: "conversation", ID: id}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
