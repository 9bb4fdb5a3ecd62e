package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/logarc-io/logarc/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Window describes a left-closed right-open time interval [From, To) over the
// records table. Field names the timestamp column the interval applies to;
// when empty, the query falls back to matching either request_time or
// created_at, which covers rows ingested before a timestamp field was
// configured. BatchSize bounds each page fetched by FindInWindow (0 uses the
// repository default).
type Window struct {
	From      time.Time
	To        time.Time
	Field     string
	BatchSize int
}

// RecordFilter narrows Find queries on the records table. Zero-valued fields
// are ignored.
type RecordFilter struct {
	Method         string
	Path           string
	ResponseStatus int
	From           *time.Time
	To             *time.Time
}

// -----------------------------------------------------------------------------
// RecordRepository
// -----------------------------------------------------------------------------

type RecordRepository interface {
	Create(ctx context.Context, record *db.APIRecord) error
	BulkCreate(ctx context.Context, records []db.APIRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.APIRecord, error)
	Find(ctx context.Context, filter RecordFilter, opts ListOptions) ([]db.APIRecord, int64, error)

	// FindInWindow streams every record whose timestamp falls in the window,
	// ordered by timestamp then id, delivering them to fn in batches. A
	// non-nil error from fn aborts the scan.
	FindInWindow(ctx context.Context, w Window, fn func(batch []db.APIRecord) error) error

	CountInWindow(ctx context.Context, w Window) (int64, error)
	Count(ctx context.Context) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time, field string) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, field string) (int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	// UpsertJob creates the daily job for the given date (YYYY-MM-DD) with
	// its 24 pending hour slots. The call is idempotent: an existing job is
	// returned untouched, and missing slots are backfilled.
	UpsertJob(ctx context.Context, date string) (*db.Job, error)

	// GetJob retrieves a job together with its hour slots, ordered by hour.
	// The slots are loaded with a second query rather than a GORM
	// association because UUID-typed keys defeat its auto-resolution.
	GetJob(ctx context.Context, date string) (*db.Job, error)

	GetSlot(ctx context.Context, date string, hour int) (*db.HourSlot, error)

	// UpdateSlot persists a slot mutation, enforcing the status transition
	// rules and the monotone retry counter, then re-derives the parent job
	// status from all 24 children inside the same transaction.
	UpdateSlot(ctx context.Context, slot *db.HourSlot) error

	// ListFailedSlots returns failed slots with remaining retry budget for
	// job dates within [since, until], oldest first. The hourly retry sweep
	// feeds on this.
	ListFailedSlots(ctx context.Context, since, until string, maxRetries int) ([]db.HourSlot, error)

	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	Count(ctx context.Context) (int64, error)
	CountOlderThan(ctx context.Context, cutoffDate string) (int64, error)

	// DeleteOlderThan removes jobs whose date precedes cutoffDate along with
	// their hour slots. Jobs still pending are exempt regardless of age.
	DeleteOlderThan(ctx context.Context, cutoffDate string) (int64, error)
}

// -----------------------------------------------------------------------------
// ProcessingLogRepository
// -----------------------------------------------------------------------------

type ProcessingLogRepository interface {
	Append(ctx context.Context, entry *db.ProcessingLog) error
	List(ctx context.Context, date, hourRange string, opts ListOptions) ([]db.ProcessingLog, int64, error)
	Count(ctx context.Context) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
