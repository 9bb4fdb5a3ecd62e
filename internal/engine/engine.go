// Package engine assembles the full archival pipeline behind one facade:
// database and migrations, repositories, masking, archive store, processor,
// retention and scheduler. The CLI and embedding applications talk to an
// Engine; everything below it stays internal.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/logarc-io/logarc/internal/archive"
	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/db"
	"github.com/logarc-io/logarc/internal/masking"
	"github.com/logarc-io/logarc/internal/metrics"
	"github.com/logarc-io/logarc/internal/notify"
	"github.com/logarc-io/logarc/internal/processor"
	"github.com/logarc-io/logarc/internal/repositories"
	"github.com/logarc-io/logarc/internal/retention"
	"github.com/logarc-io/logarc/internal/scheduler"
)

// Engine is the assembled pipeline. Create with New, wire with Init, and
// always Shutdown when done.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	database *gorm.DB
	tables   db.Tables

	records repositories.RecordRepository
	jobs    repositories.JobRepository
	plogs   repositories.ProcessingLogRepository

	masker    *masking.Engine
	store     archive.Store
	metrics   *metrics.Metrics
	notifier  *notify.Notifier
	proc      *processor.Processor
	retention *retention.Engine
	sched     *scheduler.Scheduler
}

// New creates an unwired Engine. Init opens the external resources.
func New(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.Named("engine")}
}

// Init validates the configuration, opens the database (running pending
// migrations), connects the archive store and assembles the pipeline.
func (e *Engine) Init(ctx context.Context) error {
	warnings, err := e.cfg.Validate()
	for _, w := range warnings {
		e.logger.Warn("configuration warning", zap.String("detail", w))
	}
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.tables = db.DefaultTables(
		e.cfg.RecordTable(),
		e.cfg.Collections.JobsCollectionName,
		e.cfg.Collections.LogsCollectionName,
	)

	e.database, err = db.New(db.Config{
		Driver: e.cfg.DBDriver,
		DSN:    e.cfg.DBURI,
		Tables: e.tables,
		Logger: e.logger,
	})
	if err != nil {
		return fmt.Errorf("engine: open database: %w", err)
	}

	e.records = repositories.NewRecordRepository(e.database, e.tables)
	e.jobs = repositories.NewJobRepository(e.database, e.tables)
	e.plogs = repositories.NewProcessingLogRepository(e.database, e.tables)

	e.masker = masking.New(e.cfg.DataMasking)
	e.metrics = metrics.NewDefault()
	e.notifier = notify.New(
		e.cfg.Notify.WebhookURL,
		e.cfg.Notify.Secret,
		time.Duration(e.cfg.Notify.TimeoutSeconds)*time.Second,
		e.logger,
	)

	e.store, err = archive.NewStore(ctx, e.cfg.Archive(), e.logger)
	if err != nil {
		return fmt.Errorf("engine: connect archive store: %w", err)
	}

	e.proc = processor.New(e.cfg, e.records, e.jobs, e.plogs,
		e.store, e.masker, e.metrics, e.notifier, e.logger)
	e.retention = retention.New(e.cfg, e.records, e.jobs, e.plogs,
		e.store, e.metrics, e.logger)

	e.sched, err = scheduler.New(e.cfg, e.proc, e.jobs,
		e.retention, e.notifier, e.metrics, e.logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.logger.Info("engine initialized",
		zap.String("driver", e.cfg.DBDriver),
		zap.String("provider", e.store.Provider()),
		zap.String("records", e.tables.Records))
	return nil
}

// StartScheduler begins the cron loop. Long-running server mode only; the
// one-shot CLI commands never call it.
func (e *Engine) StartScheduler(ctx context.Context) error {
	return e.sched.Start(ctx)
}

// Shutdown stops the scheduler (when started) and closes the database.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.sched != nil {
		if err := e.sched.Stop(); err != nil {
			e.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if e.database != nil {
		if err := db.Close(e.database); err != nil {
			return fmt.Errorf("engine: close database: %w", err)
		}
	}
	e.logger.Info("engine shut down")
	return nil
}

// Ping verifies the database connection.
func (e *Engine) Ping(ctx context.Context) error {
	return db.Ping(ctx, e.database)
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// SaveRecord persists one captured request/response record. When the
// masking policy is set to apply on ingest, the payload columns are masked
// before the row is written; otherwise masking happens at export time and
// the stored row keeps the original values.
func (e *Engine) SaveRecord(ctx context.Context, record *db.APIRecord) error {
	if record.RequestTime.IsZero() {
		record.RequestTime = time.Now().UTC()
	}
	if e.masker.Enabled() && e.cfg.DataMasking.ApplyOnIngest {
		e.maskRecord(record)
	}
	return e.records.Create(ctx, record)
}

// SaveRecords persists a batch of records, applying ingest masking the same
// way SaveRecord does.
func (e *Engine) SaveRecords(ctx context.Context, records []db.APIRecord) error {
	now := time.Now().UTC()
	for i := range records {
		if records[i].RequestTime.IsZero() {
			records[i].RequestTime = now
		}
		if e.masker.Enabled() && e.cfg.DataMasking.ApplyOnIngest {
			e.maskRecord(&records[i])
		}
	}
	return e.records.BulkCreate(ctx, records)
}

// maskRecord runs the masking engine over every JSON payload column plus
// the client IP. Columns that fail to decode are left untouched: export
// will drop them as malformed, and destroying the raw value here would
// hide the problem.
func (e *Engine) maskRecord(record *db.APIRecord) {
	record.RequestBody = e.maskColumn(record.RequestBody)
	record.RequestHeaders = e.maskColumn(record.RequestHeaders)
	record.QueryParams = e.maskColumn(record.QueryParams)
	record.PathParams = e.maskColumn(record.PathParams)
	record.ResponseBody = e.maskColumn(record.ResponseBody)
	record.ClientIP = e.masker.MaskString(record.ClientIP)
}

func (e *Engine) maskColumn(raw string) string {
	if raw == "" {
		return raw
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	masked, err := json.Marshal(e.masker.Mask(value))
	if err != nil {
		return raw
	}
	return string(masked)
}

// FindRecords returns records matching the filter with pagination.
func (e *Engine) FindRecords(ctx context.Context, filter repositories.RecordFilter, opts repositories.ListOptions) ([]db.APIRecord, int64, error) {
	return e.records.Find(ctx, filter, opts)
}

// FindRecordsInWindow collects every record whose configured timestamp
// falls in [from, to), in timestamp order.
func (e *Engine) FindRecordsInWindow(ctx context.Context, from, to time.Time) ([]db.APIRecord, error) {
	var out []db.APIRecord
	err := e.records.FindInWindow(ctx, repositories.Window{
		From:      from,
		To:        to,
		Field:     e.cfg.TimestampField(),
		BatchSize: e.cfg.BatchSize,
	}, func(batch []db.APIRecord) error {
		out = append(out, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Jobs and processing
// -----------------------------------------------------------------------------

// CreateDailyJobs seeds the job document for the given date (YYYY-MM-DD,
// empty for today) with its 24 pending hour slots. Idempotent.
func (e *Engine) CreateDailyJobs(ctx context.Context, date string) (*db.Job, error) {
	if date == "" {
		date = time.Now().In(e.cfg.Location()).Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("engine: invalid date %q: %w", date, err)
	}
	return e.jobs.UpsertJob(ctx, date)
}

// RunHourlyJob executes one hourly tick by hand: retry sweep, then the
// previous hour's window.
func (e *Engine) RunHourlyJob(ctx context.Context) {
	e.sched.RunHourly(ctx)
}

// ProcessSpecificHour runs the pipeline for one explicit window.
func (e *Engine) ProcessSpecificHour(ctx context.Context, date string, hour int) (*processor.Result, error) {
	return e.proc.Process(ctx, date, hour)
}

// RetryFailedJobs sweeps failed slots with remaining retry budget and
// returns the number of slots attempted.
func (e *Engine) RetryFailedJobs(ctx context.Context) int {
	return e.sched.RetrySweep(ctx)
}

// GetJobStatus returns the job for a date with its 24 hour slots.
func (e *Engine) GetJobStatus(ctx context.Context, date string) (*db.Job, error) {
	return e.jobs.GetJob(ctx, date)
}

// GetProcessingLogs returns processing-log entries, optionally filtered by
// date and hour range, newest first.
func (e *Engine) GetProcessingLogs(ctx context.Context, date, hourRange string, opts repositories.ListOptions) ([]db.ProcessingLog, int64, error) {
	return e.plogs.List(ctx, date, hourRange, opts)
}

// Retention exposes the retention engine for stats, manual cleanup and
// lifecycle setup.
func (e *Engine) Retention() *retention.Engine {
	return e.retention
}
