package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/logarc-io/logarc/internal/db"
	"gorm.io/gorm"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db     *gorm.DB
	tables db.Tables
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB
// and table names.
func NewJobRepository(database *gorm.DB, tables db.Tables) JobRepository {
	return &gormJobRepository{db: database, tables: tables}
}

// HourRange formats the window label for an hour slot, e.g. 14 → "14-15"
// and 23 → "23-24". Artifact names and processing logs reuse the same label.
func HourRange(hour int) string {
	return fmt.Sprintf("%02d-%02d", hour, hour+1)
}

// UpsertJob creates the daily job for the given date with its 24 pending
// hour slots. Idempotent: an existing job is returned as-is and any missing
// slots are backfilled, so concurrent seeding triggers and crash recovery
// both converge on the same row set.
func (r *gormJobRepository) UpsertJob(ctx context.Context, date string) (*db.Job, error) {
	var job db.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Table(r.tables.Jobs).First(&job, "date = ?", date).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			job = db.Job{Date: date, Status: db.StatusPending}
			if err := tx.Table(r.tables.Jobs).Create(&job).Error; err != nil {
				return fmt.Errorf("create job: %w", err)
			}
		case err != nil:
			return fmt.Errorf("get job: %w", err)
		}

		var slots []db.HourSlot
		if err := tx.Table(r.tables.JobHours).
			Where("job_date = ?", date).
			Find(&slots).Error; err != nil {
			return fmt.Errorf("get slots: %w", err)
		}

		seen := make(map[int]bool, len(slots))
		for _, slot := range slots {
			seen[slot.Hour] = true
		}
		for hour := 0; hour < 24; hour++ {
			if seen[hour] {
				continue
			}
			slot := db.HourSlot{
				JobDate:   date,
				Hour:      hour,
				HourRange: HourRange(hour),
				Status:    db.StatusPending,
			}
			if err := tx.Table(r.tables.JobHours).Create(&slot).Error; err != nil {
				return fmt.Errorf("create slot %d: %w", hour, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: upsert %s: %w", date, err)
	}

	return r.GetJob(ctx, date)
}

// GetJob retrieves a job with its hour slots ordered by hour.
// Returns ErrNotFound if no job exists for the date.
func (r *gormJobRepository) GetJob(ctx context.Context, date string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).Table(r.tables.Jobs).First(&job, "date = ?", date).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get %s: %w", date, err)
	}

	if err := r.db.WithContext(ctx).Table(r.tables.JobHours).
		Where("job_date = ?", date).
		Order("hour ASC").
		Find(&job.Hours).Error; err != nil {
		return nil, fmt.Errorf("jobs: get slots for %s: %w", date, err)
	}

	return &job, nil
}

// GetSlot retrieves a single hour slot.
// Returns ErrNotFound if the job or the slot does not exist.
func (r *gormJobRepository) GetSlot(ctx context.Context, date string, hour int) (*db.HourSlot, error) {
	var slot db.HourSlot
	err := r.db.WithContext(ctx).Table(r.tables.JobHours).
		First(&slot, "job_date = ? AND hour = ?", date, hour).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get slot %s/%02d: %w", date, hour, err)
	}
	return &slot, nil
}

// UpdateSlot persists a slot mutation. The stored row is re-read inside the
// transaction to enforce the transition rules against the current state
// rather than whatever the caller last saw; the parent job status is then
// re-derived from all children so the two can never drift apart.
func (r *gormJobRepository) UpdateSlot(ctx context.Context, slot *db.HourSlot) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current db.HourSlot
		err := tx.Table(r.tables.JobHours).First(&current, "id = ?", slot.ID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get current slot: %w", err)
		}

		if !transitionAllowed(current.Status, slot.Status) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.Status, slot.Status)
		}
		if slot.Retries < current.Retries {
			return fmt.Errorf("%w: retries must not decrease (%d → %d)",
				ErrInvalidTransition, current.Retries, slot.Retries)
		}

		if err := tx.Table(r.tables.JobHours).Save(slot).Error; err != nil {
			return fmt.Errorf("save slot: %w", err)
		}

		var siblings []db.HourSlot
		if err := tx.Table(r.tables.JobHours).
			Where("job_date = ?", slot.JobDate).
			Find(&siblings).Error; err != nil {
			return fmt.Errorf("get siblings: %w", err)
		}

		if err := tx.Table(r.tables.Jobs).
			Where("date = ?", slot.JobDate).
			Update("status", db.DeriveJobStatus(siblings)).Error; err != nil {
			return fmt.Errorf("derive job status: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("jobs: update slot %s/%02d: %w", slot.JobDate, slot.Hour, err)
	}
	return nil
}

// transitionAllowed encodes the slot state machine. Re-entering the same
// state is always allowed so retries and metadata updates do not need a
// separate path; only success is terminal.
func transitionAllowed(from, to db.Status) bool {
	if from == to {
		return true
	}
	switch from {
	case db.StatusPending:
		return to == db.StatusSuccess || to == db.StatusFailed
	case db.StatusFailed:
		return to == db.StatusPending || to == db.StatusSuccess
	case db.StatusSuccess:
		return false
	}
	return false
}

// ListFailedSlots returns failed slots with remaining retry budget for job
// dates within [since, until], oldest first.
func (r *gormJobRepository) ListFailedSlots(ctx context.Context, since, until string, maxRetries int) ([]db.HourSlot, error) {
	var slots []db.HourSlot
	if err := r.db.WithContext(ctx).Table(r.tables.JobHours).
		Where("status = ? AND retries < ? AND job_date >= ? AND job_date <= ?",
			db.StatusFailed, maxRetries, since, until).
		Order("job_date ASC, hour ASC").
		Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("jobs: list failed slots: %w", err)
	}
	return slots, nil
}

// List returns a paginated list of jobs and the total count, ordered by
// date descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Table(r.tables.Jobs).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).Table(r.tables.Jobs).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("date DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// Count returns the total number of jobs.
func (r *gormJobRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Table(r.tables.Jobs).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("jobs: count: %w", err)
	}
	return total, nil
}

// CountOlderThan counts jobs eligible for retention: date before the cutoff
// and no longer pending.
func (r *gormJobRepository) CountOlderThan(ctx context.Context, cutoffDate string) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Table(r.tables.Jobs).
		Where("date < ? AND status <> ?", cutoffDate, db.StatusPending).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("jobs: count older than: %w", err)
	}
	return total, nil
}

// DeleteOlderThan removes jobs whose date precedes cutoffDate along with
// their hour slots, returning the number of jobs removed. Pending jobs are
// exempt regardless of age: deleting a job that never ran would silently
// drop its hours from the retry sweep.
func (r *gormJobRepository) DeleteOlderThan(ctx context.Context, cutoffDate string) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		eligible := tx.Table(r.tables.Jobs).
			Select("date").
			Where("date < ? AND status <> ?", cutoffDate, db.StatusPending)

		if err := tx.Table(r.tables.JobHours).
			Where("job_date IN (?)", eligible).
			Delete(&db.HourSlot{}).Error; err != nil {
			return fmt.Errorf("delete slots: %w", err)
		}

		result := tx.Table(r.tables.Jobs).
			Where("date < ? AND status <> ?", cutoffDate, db.StatusPending).
			Delete(&db.Job{})
		if result.Error != nil {
			return fmt.Errorf("delete jobs: %w", result.Error)
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jobs: delete older than %s: %w", cutoffDate, err)
	}
	return deleted, nil
}
