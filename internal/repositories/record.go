package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/logarc-io/logarc/internal/db"
	"gorm.io/gorm"
)

const defaultWindowBatchSize = 5000

// gormRecordRepository is the GORM implementation of RecordRepository.
// Queries address the physical table through the configured name instead of
// a static TableName method, so deployments can point the engine at an
// existing collection.
type gormRecordRepository struct {
	db     *gorm.DB
	tables db.Tables
}

// NewRecordRepository returns a RecordRepository backed by the provided
// *gorm.DB and table names.
func NewRecordRepository(database *gorm.DB, tables db.Tables) RecordRepository {
	return &gormRecordRepository{db: database, tables: tables}
}

// Create inserts a single captured request/response record.
func (r *gormRecordRepository) Create(ctx context.Context, record *db.APIRecord) error {
	if err := r.db.WithContext(ctx).Table(r.tables.Records).Create(record).Error; err != nil {
		return fmt.Errorf("records: create: %w", err)
	}
	return nil
}

// BulkCreate inserts multiple records in a single statement. High-volume
// producers batch their writes through this to keep insert pressure down.
func (r *gormRecordRepository) BulkCreate(ctx context.Context, records []db.APIRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Table(r.tables.Records).Create(&records).Error; err != nil {
		return fmt.Errorf("records: bulk create: %w", err)
	}
	return nil
}

// GetByID retrieves a record by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.APIRecord, error) {
	var record db.APIRecord
	err := r.db.WithContext(ctx).Table(r.tables.Records).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("records: get by id: %w", err)
	}
	return &record, nil
}

// Find returns a paginated list of records matching the filter and the total
// count, ordered by request time descending (most recent first).
func (r *gormRecordRepository) Find(ctx context.Context, filter RecordFilter, opts ListOptions) ([]db.APIRecord, int64, error) {
	var records []db.APIRecord
	var total int64

	q := r.applyFilter(r.db.WithContext(ctx).Table(r.tables.Records), filter)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("records: find count: %w", err)
	}

	q = r.applyFilter(r.db.WithContext(ctx).Table(r.tables.Records), filter)
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("request_time DESC").
		Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("records: find: %w", err)
	}

	return records, total, nil
}

func (r *gormRecordRepository) applyFilter(q *gorm.DB, filter RecordFilter) *gorm.DB {
	if filter.Method != "" {
		q = q.Where("method = ?", filter.Method)
	}
	if filter.Path != "" {
		q = q.Where("path = ?", filter.Path)
	}
	if filter.ResponseStatus != 0 {
		q = q.Where("response_status = ?", filter.ResponseStatus)
	}
	if filter.From != nil {
		q = q.Where("request_time >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("request_time < ?", *filter.To)
	}
	return q
}

// FindInWindow pages through every record in [From, To) ordered by the
// window's timestamp column then id, invoking fn once per batch. Records are
// immutable after ingest so offset paging is stable here.
func (r *gormRecordRepository) FindInWindow(ctx context.Context, w Window, fn func(batch []db.APIRecord) error) error {
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = defaultWindowBatchSize
	}
	orderCol := w.Field
	if orderCol == "" {
		orderCol = "request_time"
	}

	offset := 0
	for {
		var batch []db.APIRecord
		q := windowScope(r.db.WithContext(ctx).Table(r.tables.Records), w)
		if err := q.
			Order(orderCol + " ASC, id ASC").
			Limit(batchSize).
			Offset(offset).
			Find(&batch).Error; err != nil {
			return fmt.Errorf("records: find in window: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		offset += batchSize
	}
}

// CountInWindow returns the number of records in [From, To).
func (r *gormRecordRepository) CountInWindow(ctx context.Context, w Window) (int64, error) {
	var total int64
	q := windowScope(r.db.WithContext(ctx).Table(r.tables.Records), w)
	if err := q.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("records: count in window: %w", err)
	}
	return total, nil
}

// Count returns the total number of records.
func (r *gormRecordRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Table(r.tables.Records).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("records: count: %w", err)
	}
	return total, nil
}

// CountOlderThan counts records whose timestamp precedes the cutoff.
// Retention uses this for dry runs and stats.
func (r *gormRecordRepository) CountOlderThan(ctx context.Context, cutoff time.Time, field string) (int64, error) {
	var total int64
	q := olderThanScope(r.db.WithContext(ctx).Table(r.tables.Records), cutoff, field)
	if err := q.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("records: count older than: %w", err)
	}
	return total, nil
}

// DeleteOlderThan removes records whose timestamp precedes the cutoff and
// returns the number of rows removed.
func (r *gormRecordRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, field string) (int64, error) {
	result := olderThanScope(r.db.WithContext(ctx).Table(r.tables.Records), cutoff, field).
		Delete(&db.APIRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("records: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// windowScope applies the [From, To) interval on the configured column. The
// column name comes from the validated allow-list in the config package, so
// it is safe to interpolate. With no column configured, a row matches when
// either request_time or created_at falls in the window, which covers rows
// ingested before a timestamp field was chosen.
func windowScope(q *gorm.DB, w Window) *gorm.DB {
	if w.Field != "" {
		return q.Where(fmt.Sprintf("%s >= ? AND %s < ?", w.Field, w.Field), w.From, w.To)
	}
	return q.Where(
		"(request_time >= ? AND request_time < ?) OR (created_at >= ? AND created_at < ?)",
		w.From, w.To, w.From, w.To,
	)
}

func olderThanScope(q *gorm.DB, cutoff time.Time, field string) *gorm.DB {
	if field != "" {
		return q.Where(fmt.Sprintf("%s < ?", field), cutoff)
	}
	return q.Where("request_time < ? OR (request_time IS NULL AND created_at < ?)", cutoff, cutoff)
}
