package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/codestore"
	"github.com/zonegate/zonegate/internal/models"
	"github.com/zonegate/zonegate/pkg/logger"
)

const (
	defaultPendingRetentionDays = 30
	defaultCodeSpec             = "@hourly"
	defaultPendingSpec          = "@daily"
)

// Cleaner coordinates background maintenance tasks: purging expired codes and
// removing pending accounts whose invitations were never accepted.
type Cleaner struct {
	store     codestore.Store
	db        *gorm.DB
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention int

	codeSchedule    string
	pendingSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithPendingRetentionDays adjusts how long unverified pending accounts are
// kept before cleanup.
func WithPendingRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithCodeSchedule overrides the cron specification for expired code cleanup.
func WithCodeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.codeSchedule = spec
		}
	}
}

// WithPendingSchedule overrides the cron specification for pending account cleanup.
func WithPendingSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.pendingSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(store codestore.Store, db *gorm.DB, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		store:           store,
		db:              db,
		now:             time.Now,
		retention:       defaultPendingRetentionDays,
		codeSchedule:    defaultCodeSpec,
		pendingSchedule: defaultPendingSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.store != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.store != nil {
		if _, err := c.cron.AddFunc(c.codeSchedule, func() {
			ctx := context.Background()
			if _, err := c.store.PurgeExpired(ctx, c.now()); err != nil {
				c.log.Warn("expired code cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.pendingSchedule, func() {
			ctx := context.Background()
			if _, err := CleanupPendingUsers(ctx, c.db, c.now(), c.retention); err != nil {
				c.log.Warn("pending account cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.store != nil {
		if _, err := c.store.PurgeExpired(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := CleanupPendingUsers(ctx, c.db, c.now(), c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CleanupPendingUsers removes unverified accounts created more than the
// retention window ago. Such accounts exist only because an invitation was
// issued and never accepted.
func CleanupPendingUsers(ctx context.Context, db *gorm.DB, now time.Time, retentionDays int) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup pending users: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	result := db.WithContext(ctx).
		Where("verified = ? AND password_hash = ? AND created_at < ?", false, "", cutoff).
		Delete(&models.User{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup pending users: %w", result.Error)
	}

	return result.RowsAffected, nil
}
