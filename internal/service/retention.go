package service

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
)

// ArchiveRetention purges archived messages older than a retention period on
// a cron schedule.
type ArchiveRetention struct {
	stores       *registrystore.Handle
	period       time.Duration
	cron         string
	readyTimeout time.Duration
	now          func() time.Time
}

// NewArchiveRetention validates the schedule. A zero period returns a nil
// service, which Start treats as disabled.
func NewArchiveRetention(stores *registrystore.Handle, period time.Duration, cron string, readyTimeout time.Duration) (*ArchiveRetention, error) {
	if period <= 0 {
		return nil, nil
	}
	if cron == "" {
		cron = "0 3 * * *"
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid archive retention cron expression: %q", cron)
	}
	return &ArchiveRetention{
		stores:       stores,
		period:       period,
		cron:         cron,
		readyTimeout: readyTimeout,
		now:          time.Now,
	}, nil
}

// Start runs the schedule until ctx is cancelled.
func (r *ArchiveRetention) Start(ctx context.Context) {
	if r == nil {
		return
	}
	log.Info("Archive retention enabled", "period", r.period, "cron", r.cron)
	for {
		next, err := gronx.NextTickAfter(r.cron, r.now().UTC(), false)
		if err != nil {
			log.Error("Archive retention: next tick failed", "cron", r.cron, "err", err)
			next = r.now().Add(time.Minute)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := r.RunOnce(ctx); err != nil {
			log.Error("Archive retention run failed", "err", err)
		}
	}
}

// RunOnce purges everything archived before now minus the retention period.
func (r *ArchiveRetention) RunOnce(ctx context.Context) (int64, error) {
	st, err := r.stores.Get(ctx, r.readyTimeout)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.period)
	n, err := st.PurgeArchivedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge archived messages: %w", err)
	}
	if n > 0 {
		log.Info("Archive retention: purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
