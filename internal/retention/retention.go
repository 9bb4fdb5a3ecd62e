// Package retention implements the two-sided data lifecycle: TTL sweeps
// over the database collections (records, jobs, processing logs) and over
// the uploaded artifacts in the archive store. Every sweep supports a dry
// run that reports what would be removed without touching anything, and the
// provider-side lifecycle policy can be pushed where the store supports it.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/logarc-io/logarc/internal/archive"
	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/metrics"
	"github.com/logarc-io/logarc/internal/repositories"
)

// Target names used in stats, results and metric labels.
const (
	TargetAPILogs = "apilogs"
	TargetJobs    = "jobs"
	TargetLogs    = "logs"
	TargetFiles   = "files"
)

// CollectionStats reports retention pressure on one database collection.
type CollectionStats struct {
	Target  string
	TTLDays int
	Total   int64
	Expired int64
}

// StorageStats reports retention pressure on the archive store.
type StorageStats struct {
	TTLDays      int
	Files        int
	Bytes        int64
	Expired      int
	ExpiredBytes int64
}

// Stats is the combined retention report.
type Stats struct {
	Database []CollectionStats
	Storage  StorageStats
}

// Options selects what a cleanup run covers. DryRun reports without
// deleting.
type Options struct {
	Database bool
	Storage  bool
	DryRun   bool
}

// Result summarizes one cleanup run. Deleted maps target name to the number
// of rows (or files) removed; in a dry run it holds what would have been
// removed.
type Result struct {
	DryRun  bool
	Deleted map[string]int64
	Bytes   int64
}

// Engine runs retention sweeps.
type Engine struct {
	cfg     *config.Config
	records repositories.RecordRepository
	jobs    repositories.JobRepository
	plogs   repositories.ProcessingLogRepository
	store   archive.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New assembles a retention Engine.
func New(
	cfg *config.Config,
	records repositories.RecordRepository,
	jobs repositories.JobRepository,
	plogs repositories.ProcessingLogRepository,
	store archive.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:     cfg,
		records: records,
		jobs:    jobs,
		plogs:   plogs,
		store:   store,
		metrics: m,
		logger:  logger.Named("retention"),
		now:     time.Now,
	}
}

func (e *Engine) cutoff(days int) time.Time {
	return e.now().UTC().AddDate(0, 0, -days)
}

// Stats collects the current retention pressure without modifying anything.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	dbCfg := e.cfg.Retention.Database
	recordTotal, err := e.records.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: stats: %w", err)
	}
	recordExpired := int64(0)
	if dbCfg.APILogs > 0 {
		recordExpired, err = e.records.CountOlderThan(ctx, e.cutoff(dbCfg.APILogs), e.cfg.TimestampField())
		if err != nil {
			return nil, fmt.Errorf("retention: stats: %w", err)
		}
	}
	stats.Database = append(stats.Database, CollectionStats{
		Target: TargetAPILogs, TTLDays: dbCfg.APILogs, Total: recordTotal, Expired: recordExpired,
	})

	jobTotal, err := e.jobs.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: stats: %w", err)
	}
	jobExpired := int64(0)
	if dbCfg.Jobs > 0 {
		jobExpired, err = e.jobs.CountOlderThan(ctx, e.cutoff(dbCfg.Jobs).Format("2006-01-02"))
		if err != nil {
			return nil, fmt.Errorf("retention: stats: %w", err)
		}
	}
	stats.Database = append(stats.Database, CollectionStats{
		Target: TargetJobs, TTLDays: dbCfg.Jobs, Total: jobTotal, Expired: jobExpired,
	})

	logTotal, err := e.plogs.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: stats: %w", err)
	}
	logExpired := int64(0)
	if dbCfg.Logs > 0 {
		logExpired, err = e.plogs.CountOlderThan(ctx, e.cutoff(dbCfg.Logs))
		if err != nil {
			return nil, fmt.Errorf("retention: stats: %w", err)
		}
	}
	stats.Database = append(stats.Database, CollectionStats{
		Target: TargetLogs, TTLDays: dbCfg.Logs, Total: logTotal, Expired: logExpired,
	})

	storage, err := e.storageStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.Storage = *storage
	return stats, nil
}

func (e *Engine) storageStats(ctx context.Context) (*StorageStats, error) {
	stCfg := e.cfg.Retention.Storage
	stats := &StorageStats{TTLDays: stCfg.Files}
	cutoff := e.cutoff(stCfg.Files)

	it, err := e.store.List(ctx, e.cfg.OutputDirectory, nil)
	if err != nil {
		return nil, fmt.Errorf("retention: list archive: %w", err)
	}
	defer it.Close()

	for it.Next() {
		obj := it.Object()
		stats.Files++
		stats.Bytes += obj.Size
		if stCfg.Files > 0 && obj.LastModified.Before(cutoff) {
			stats.Expired++
			stats.ExpiredBytes += obj.Size
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("retention: list archive: %w", err)
	}
	return stats, nil
}

// Cleanup runs the selected sweeps. A zero TTL disables the sweep for that
// target; pending jobs are never removed regardless of age. The dry-run
// path shares the counting logic with Stats so the two always agree.
func (e *Engine) Cleanup(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{DryRun: opts.DryRun, Deleted: make(map[string]int64)}

	if opts.Database {
		if err := e.cleanupDatabase(ctx, opts.DryRun, result); err != nil {
			return result, err
		}
	}
	if opts.Storage {
		if err := e.cleanupStorage(ctx, opts.DryRun, result); err != nil {
			return result, err
		}
	}

	e.logger.Info("retention cleanup finished",
		zap.Bool("dryRun", opts.DryRun),
		zap.Any("deleted", result.Deleted),
		zap.Int64("bytes", result.Bytes))
	return result, nil
}

func (e *Engine) cleanupDatabase(ctx context.Context, dryRun bool, result *Result) error {
	dbCfg := e.cfg.Retention.Database

	if dbCfg.APILogs > 0 {
		cutoff := e.cutoff(dbCfg.APILogs)
		var n int64
		var err error
		if dryRun {
			n, err = e.records.CountOlderThan(ctx, cutoff, e.cfg.TimestampField())
		} else {
			n, err = e.records.DeleteOlderThan(ctx, cutoff, e.cfg.TimestampField())
		}
		if err != nil {
			return fmt.Errorf("retention: %s: %w", TargetAPILogs, err)
		}
		result.Deleted[TargetAPILogs] = n
		e.countDeleted(TargetAPILogs, n, dryRun)
	}

	if dbCfg.Jobs > 0 {
		cutoffDate := e.cutoff(dbCfg.Jobs).Format("2006-01-02")
		var n int64
		var err error
		if dryRun {
			n, err = e.jobs.CountOlderThan(ctx, cutoffDate)
		} else {
			n, err = e.jobs.DeleteOlderThan(ctx, cutoffDate)
		}
		if err != nil {
			return fmt.Errorf("retention: %s: %w", TargetJobs, err)
		}
		result.Deleted[TargetJobs] = n
		e.countDeleted(TargetJobs, n, dryRun)
	}

	if dbCfg.Logs > 0 {
		cutoff := e.cutoff(dbCfg.Logs)
		var n int64
		var err error
		if dryRun {
			n, err = e.plogs.CountOlderThan(ctx, cutoff)
		} else {
			n, err = e.plogs.DeleteOlderThan(ctx, cutoff)
		}
		if err != nil {
			return fmt.Errorf("retention: %s: %w", TargetLogs, err)
		}
		result.Deleted[TargetLogs] = n
		e.countDeleted(TargetLogs, n, dryRun)
	}

	return nil
}

func (e *Engine) cleanupStorage(ctx context.Context, dryRun bool, result *Result) error {
	stCfg := e.cfg.Retention.Storage
	if stCfg.Files <= 0 {
		return nil
	}
	cutoff := e.cutoff(stCfg.Files)

	it, err := e.store.List(ctx, e.cfg.OutputDirectory, nil)
	if err != nil {
		return fmt.Errorf("retention: list archive: %w", err)
	}
	defer it.Close()

	var expired []string
	var expiredBytes int64
	for it.Next() {
		obj := it.Object()
		if obj.LastModified.Before(cutoff) {
			expired = append(expired, obj.Key)
			expiredBytes += obj.Size
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("retention: list archive: %w", err)
	}

	if dryRun {
		result.Deleted[TargetFiles] = int64(len(expired))
		result.Bytes += expiredBytes
		return nil
	}

	if len(expired) == 0 {
		result.Deleted[TargetFiles] = 0
		return nil
	}

	deleteResults, err := e.store.Delete(ctx, expired...)
	if err != nil {
		return fmt.Errorf("retention: delete artifacts: %w", err)
	}
	var removed int64
	for _, dr := range deleteResults {
		if dr.Err != nil {
			e.logger.Warn("failed to delete artifact",
				zap.String("key", dr.Key), zap.Error(dr.Err))
			continue
		}
		removed++
	}
	result.Deleted[TargetFiles] = removed
	result.Bytes += expiredBytes
	e.countDeleted(TargetFiles, removed, dryRun)
	return nil
}

func (e *Engine) countDeleted(target string, n int64, dryRun bool) {
	if dryRun || e.metrics == nil || n == 0 {
		return
	}
	e.metrics.RetentionDeleted.WithLabelValues(target).Add(float64(n))
}

// SetupLifecycle pushes the configured provider-side lifecycle policy,
// scoped to the engine's output prefix. Stores without a management API
// report ErrLifecycleUnsupported, which is surfaced as a warning rather
// than a failure so the in-process sweeper remains the fallback.
func (e *Engine) SetupLifecycle(ctx context.Context) error {
	rules := e.cfg.Retention.Storage.S3Lifecycle
	if !rules.Enabled {
		e.logger.Info("provider lifecycle not enabled, skipping")
		return nil
	}
	rules.Prefix = e.cfg.OutputDirectory

	err := e.store.SetLifecycle(ctx, rules)
	if errors.Is(err, archive.ErrLifecycleUnsupported) {
		e.logger.Warn("provider does not support lifecycle policies",
			zap.String("provider", e.store.Provider()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("retention: setup lifecycle: %w", err)
	}
	e.logger.Info("provider lifecycle policy applied",
		zap.String("provider", e.store.Provider()),
		zap.String("prefix", rules.Prefix))
	return nil
}
