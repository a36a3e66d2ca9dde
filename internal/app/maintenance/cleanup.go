package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/pkg/logger"
)

const defaultKeySchedule = "@hourly"

// Cleaner runs background maintenance: sweeping API keys past their expiry.
// Sessions need no sweeping; the credential store expires them natively.
type Cleaner struct {
	keys *iauth.APIKeyService
	cron *cron.Cron
	now  func() time.Time
	log  *zap.Logger

	keySchedule string
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

// WithNow overrides the clock used for scheduling.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithKeySchedule overrides the cron specification for the API-key sweep.
func WithKeySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.keySchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil key service
// results in the sweep being skipped.
func NewCleaner(keys *iauth.APIKeyService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		keys:        keys,
		now:         time.Now,
		keySchedule: defaultKeySchedule,
		log:         logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the sweep with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.keys == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.keySchedule, func() {
		c.keys.CleanupExpired(context.Background())
	}); err != nil {
		return err
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

// RunOnce executes the sweep immediately. Primarily used in tests and during
// graceful shutdown. It returns the number of keys removed.
func (c *Cleaner) RunOnce(ctx context.Context) int64 {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.keys == nil {
		return 0
	}

	removed := c.keys.CleanupExpired(ctx)
	if removed > 0 {
		c.log.Info("maintenance sweep removed expired keys", zap.Int64("count", removed))
	}
	return removed
}
