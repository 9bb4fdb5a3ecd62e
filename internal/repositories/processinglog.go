package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/logarc-io/logarc/internal/db"
	"gorm.io/gorm"
)

// gormProcessingLogRepository is the GORM implementation of
// ProcessingLogRepository. Rows are append-only; the only mutation is
// retention deleting old ones.
type gormProcessingLogRepository struct {
	db     *gorm.DB
	tables db.Tables
}

// NewProcessingLogRepository returns a ProcessingLogRepository backed by the
// provided *gorm.DB and table names.
func NewProcessingLogRepository(database *gorm.DB, tables db.Tables) ProcessingLogRepository {
	return &gormProcessingLogRepository{db: database, tables: tables}
}

// Append inserts one processing-log entry.
func (r *gormProcessingLogRepository) Append(ctx context.Context, entry *db.ProcessingLog) error {
	if err := r.db.WithContext(ctx).Table(r.tables.Logs).Create(entry).Error; err != nil {
		return fmt.Errorf("logs: append: %w", err)
	}
	return nil
}

// List returns processing-log entries filtered by date and optionally by
// hour range, newest first, together with the total count.
func (r *gormProcessingLogRepository) List(ctx context.Context, date, hourRange string, opts ListOptions) ([]db.ProcessingLog, int64, error) {
	var entries []db.ProcessingLog
	var total int64

	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Table(r.tables.Logs)
		if date != "" {
			q = q.Where("date = ?", date)
		}
		if hourRange != "" {
			q = q.Where("hour_range = ?", hourRange)
		}
		return q
	}

	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("logs: list count: %w", err)
	}

	if err := scope().
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("timestamp DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("logs: list: %w", err)
	}

	return entries, total, nil
}

// Count returns the total number of processing-log entries.
func (r *gormProcessingLogRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Table(r.tables.Logs).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("logs: count: %w", err)
	}
	return total, nil
}

// CountOlderThan counts entries whose timestamp precedes the cutoff.
func (r *gormProcessingLogRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Table(r.tables.Logs).
		Where("timestamp < ?", cutoff).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("logs: count older than: %w", err)
	}
	return total, nil
}

// DeleteOlderThan removes entries whose timestamp precedes the cutoff and
// returns the number of rows removed.
func (r *gormProcessingLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Table(r.tables.Logs).
		Where("timestamp < ?", cutoff).
		Delete(&db.ProcessingLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("logs: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
