// Package scheduler drives the engine's recurring work. It wraps gocron
// with four cron-triggered jobs:
//
//   - a daily trigger that seeds the job document for the new date with its
//     24 pending hour slots
//   - an hourly trigger that first sweeps recent failed slots for retries
//     and then processes the previous hour's window
//   - two optional retention triggers (database and storage) that run the
//     TTL sweeps when auto-cleanup is enabled
//
// Every job runs in singleton mode: if a previous tick is still running
// when the next one fires, the new execution is rescheduled rather than
// overlapped. Cron expressions are evaluated in the configured timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/metrics"
	"github.com/logarc-io/logarc/internal/notify"
	"github.com/logarc-io/logarc/internal/processor"
	"github.com/logarc-io/logarc/internal/repositories"
	"github.com/logarc-io/logarc/internal/retention"
)

// Tags identifying the gocron jobs, used for inspection and tests.
const (
	TagDailySeed        = "daily-seed"
	TagHourly           = "hourly"
	TagDatabaseCleanup  = "retention-database"
	TagStorageCleanup   = "retention-storage"
	tickTimeout         = 30 * time.Minute
	retentionRunTimeout = time.Hour
)

// Scheduler owns the cron loop. The zero value is not usable — create
// instances with New.
type Scheduler struct {
	cron      gocron.Scheduler
	cfg       *config.Config
	proc      *processor.Processor
	jobs      repositories.JobRepository
	retention *retention.Engine
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin processing.
func New(
	cfg *config.Config,
	proc *processor.Processor,
	jobs repositories.JobRepository,
	ret *retention.Engine,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Scheduler, error) {
	cron, err := gocron.NewScheduler(gocron.WithLocation(cfg.Location()))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:      cron,
		cfg:       cfg,
		proc:      proc,
		jobs:      jobs,
		retention: ret,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start registers the cron jobs and starts the loop. Called once at server
// startup after the database connection is established.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.addJob(TagDailySeed, s.cfg.DailyCron, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		if err := s.SeedToday(runCtx); err != nil {
			s.logger.Error("daily seed failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if err := s.addJob(TagHourly, s.cfg.HourlyCron, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		s.RunHourly(runCtx)
	}); err != nil {
		return err
	}

	if s.cfg.Retention.Database.AutoCleanup {
		if err := s.addJob(TagDatabaseCleanup, s.cfg.Retention.Database.CleanupCron, func() {
			s.runRetention(retention.Options{Database: true}, "database")
		}); err != nil {
			return err
		}
	}

	if s.cfg.Retention.Storage.AutoCleanup {
		if err := s.addJob(TagStorageCleanup, s.cfg.Retention.Storage.CleanupCron, func() {
			s.runRetention(retention.Options{Storage: true}, "storage")
		}); err != nil {
			return err
		}
	}

	// Seed today's job immediately so a process started mid-day still has
	// slots for the hours that already passed.
	if err := s.SeedToday(ctx); err != nil {
		s.logger.Warn("initial seed failed", zap.Error(err))
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("dailyCron", s.cfg.DailyCron),
		zap.String("hourlyCron", s.cfg.HourlyCron),
		zap.Bool("databaseCleanup", s.cfg.Retention.Database.AutoCleanup),
		zap.Bool("storageCleanup", s.cfg.Retention.Storage.AutoCleanup))
	return nil
}

// Stop gracefully shuts down the cron loop, waiting for any currently
// running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// addJob registers one cron job in singleton mode, tagged for inspection.
func (s *Scheduler) addJob(tag, expr string, task func()) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(task),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register %s (schedule %q): %w", tag, expr, err)
	}
	return nil
}

// SeedToday ensures the job document for the current date exists with its
// 24 pending hour slots. Idempotent.
func (s *Scheduler) SeedToday(ctx context.Context) error {
	date := time.Now().In(s.cfg.Location()).Format("2006-01-02")
	if _, err := s.jobs.UpsertJob(ctx, date); err != nil {
		return fmt.Errorf("scheduler: seed %s: %w", date, err)
	}
	s.logger.Info("daily job seeded", zap.String("date", date))
	return nil
}

// RunHourly performs one hourly tick: retry sweep first, then the previous
// hour's window. Errors are logged per window, not propagated — one bad
// window must not stop the others, and the failed slot carries the state
// for the next sweep.
func (s *Scheduler) RunHourly(ctx context.Context) {
	s.RetrySweep(ctx)

	prev := time.Now().In(s.cfg.Location()).Add(-time.Hour)
	date := prev.Format("2006-01-02")
	hour := prev.Hour()

	if _, err := s.proc.Process(ctx, date, hour); err != nil {
		if errors.Is(err, processor.ErrSlotBusy) {
			s.logger.Debug("previous hour already being processed",
				zap.String("date", date), zap.Int("hour", hour))
			return
		}
		s.logger.Error("previous hour processing failed",
			zap.String("date", date), zap.Int("hour", hour), zap.Error(err))
	}
}

// RetrySweep re-processes failed slots that still have retry budget,
// looking back over the configured sweep horizon. Returns the number of
// slots attempted.
func (s *Scheduler) RetrySweep(ctx context.Context) int {
	now := time.Now().In(s.cfg.Location())
	since := now.AddDate(0, 0, -s.cfg.RetrySweepDays).Format("2006-01-02")
	until := now.Format("2006-01-02")

	slots, err := s.jobs.ListFailedSlots(ctx, since, until, s.cfg.RetryAttempts)
	if err != nil {
		s.logger.Error("retry sweep query failed", zap.Error(err))
		return 0
	}
	if len(slots) == 0 {
		return 0
	}

	s.logger.Info("retry sweep starting", zap.Int("slots", len(slots)))
	attempted := 0
	for i := range slots {
		slot := &slots[i]
		if s.metrics != nil {
			s.metrics.SlotRetries.Inc()
		}
		attempted++
		if _, err := s.proc.Process(ctx, slot.JobDate, slot.Hour); err != nil {
			if errors.Is(err, processor.ErrSlotBusy) {
				continue
			}
			s.logger.Warn("retry failed",
				zap.String("date", slot.JobDate),
				zap.String("hours", slot.HourRange),
				zap.Int("retries", slot.Retries+1),
				zap.Error(err))
		}
	}
	return attempted
}

// runRetention executes one auto-cleanup tick and alerts on failure.
func (s *Scheduler) runRetention(opts retention.Options, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), retentionRunTimeout)
	defer cancel()

	if _, err := s.retention.Cleanup(ctx, opts); err != nil {
		s.logger.Error("auto cleanup failed",
			zap.String("target", target), zap.Error(err))
		if s.notifier != nil {
			s.notifier.RetentionFailed(ctx, target, err)
		}
	}
}
