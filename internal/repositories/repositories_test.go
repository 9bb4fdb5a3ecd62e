package repositories

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/logarc-io/logarc/internal/db"
)

func newTestDB(t *testing.T) (*gorm.DB, db.Tables) {
	t.Helper()
	tables := db.DefaultTables("apilogs", "jobs", "logs")
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Tables: tables,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database, tables
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func TestUpsertJobSeedsAllSlots(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	job, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, "2025-08-25", job.Date)
	assert.Equal(t, db.StatusPending, job.Status)
	require.Len(t, job.Hours, 24)

	for i, slot := range job.Hours {
		assert.Equal(t, i, slot.Hour)
		assert.Equal(t, fmt.Sprintf("%02d-%02d", i, i+1), slot.HourRange)
		assert.Equal(t, db.StatusPending, slot.Status)
		assert.Equal(t, 0, slot.Retries)
	}
	assert.Equal(t, "00-01", job.Hours[0].HourRange)
	assert.Equal(t, "23-24", job.Hours[23].HourRange)
}

func TestUpsertJobIdempotent(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	first, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)

	// Mark one slot success, then upsert again: nothing may be reset.
	slot := first.Hours[3]
	slot.Status = db.StatusSuccess
	slot.FilePath = "/archive/x.json"
	require.NoError(t, repo.UpdateSlot(ctx, &slot))

	second, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.Hours, 24)
	assert.Equal(t, db.StatusSuccess, second.Hours[3].Status)
	assert.Equal(t, "/archive/x.json", second.Hours[3].FilePath)
}

func TestGetJobNotFound(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)

	_, err := repo.GetJob(context.Background(), "1999-01-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSlotTransitions(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	job, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)

	slot := job.Hours[10]

	// pending → failed
	slot.Status = db.StatusFailed
	slot.Retries = 1
	slot.AppendLog(time.Now().UTC(), "upload timed out")
	require.NoError(t, repo.UpdateSlot(ctx, &slot))

	// failed → success
	slot.Status = db.StatusSuccess
	slot.FilePath = "/archive/a.json"
	require.NoError(t, repo.UpdateSlot(ctx, &slot))

	// success is terminal
	slot.Status = db.StatusPending
	err = repo.UpdateSlot(ctx, &slot)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	reloaded, err := repo.GetSlot(ctx, "2025-08-25", 10)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, reloaded.Status)
	require.Len(t, reloaded.Logs(), 1)
	assert.Equal(t, "upload timed out", reloaded.Logs()[0].Error)
}

func TestUpdateSlotRetriesMonotone(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	job, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)

	slot := job.Hours[0]
	slot.Status = db.StatusFailed
	slot.Retries = 2
	require.NoError(t, repo.UpdateSlot(ctx, &slot))

	slot.Retries = 1
	err = repo.UpdateSlot(ctx, &slot)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateSlotDerivesJobStatus(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	job, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)

	// One failure with the rest pending keeps the job pending.
	slot := job.Hours[0]
	slot.Status = db.StatusFailed
	slot.Retries = 1
	require.NoError(t, repo.UpdateSlot(ctx, &slot))

	job, err = repo.GetJob(ctx, "2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)

	// All 24 success: job success.
	for i := range job.Hours {
		s := job.Hours[i]
		s.Status = db.StatusSuccess
		require.NoError(t, repo.UpdateSlot(ctx, &s))
	}
	job, err = repo.GetJob(ctx, "2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, job.Status)
}

func TestListFailedSlots(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	job, err := repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)

	// Two failures: one with budget left, one exhausted.
	s1 := job.Hours[2]
	s1.Status = db.StatusFailed
	s1.Retries = 1
	require.NoError(t, repo.UpdateSlot(ctx, &s1))

	s2 := job.Hours[5]
	s2.Status = db.StatusFailed
	s2.Retries = 3
	require.NoError(t, repo.UpdateSlot(ctx, &s2))

	slots, err := repo.ListFailedSlots(ctx, "2025-08-20", "2025-08-25", 3)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 2, slots[0].Hour)

	// Outside the date range: nothing.
	slots, err = repo.ListFailedSlots(ctx, "2025-08-26", "2025-08-27", 3)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestDeleteJobsOlderThanExemptsPending(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewJobRepository(database, tables)
	ctx := context.Background()

	// Old completed job.
	done, err := repo.UpsertJob(ctx, "2025-01-01")
	require.NoError(t, err)
	for i := range done.Hours {
		s := done.Hours[i]
		s.Status = db.StatusSuccess
		require.NoError(t, repo.UpdateSlot(ctx, &s))
	}
	// Old job still pending.
	_, err = repo.UpsertJob(ctx, "2025-01-02")
	require.NoError(t, err)
	// Recent job.
	_, err = repo.UpsertJob(ctx, "2025-08-25")
	require.NoError(t, err)

	deleted, err := repo.DeleteOlderThan(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.GetJob(ctx, "2025-01-01")
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := repo.GetJob(ctx, "2025-01-02")
	require.NoError(t, err)
	assert.Len(t, pending.Hours, 24)
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

func seedRecords(t *testing.T, repo RecordRepository, times ...time.Time) {
	t.Helper()
	records := make([]db.APIRecord, 0, len(times))
	for i, ts := range times {
		records = append(records, db.APIRecord{
			Method:         "GET",
			Path:           fmt.Sprintf("/r/%d", i),
			ResponseStatus: 200,
			RequestTime:    ts,
		})
	}
	require.NoError(t, repo.BulkCreate(context.Background(), records))
}

func TestFindInWindowBoundaries(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewRecordRepository(database, tables)
	ctx := context.Background()

	from := time.Date(2025, 8, 25, 14, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	seedRecords(t, repo,
		from.Add(-time.Second), // before
		from,                   // boundary, included
		from.Add(30*time.Minute),
		to.Add(-time.Second), // last included instant
		to,                   // boundary, excluded
	)

	var got []db.APIRecord
	err := repo.FindInWindow(ctx, Window{From: from, To: to, Field: "request_time"}, func(batch []db.APIRecord) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	count, err := repo.CountInWindow(ctx, Window{From: from, To: to, Field: "request_time"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestFindInWindowBatches(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewRecordRepository(database, tables)
	ctx := context.Background()

	from := time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC)
	var times []time.Time
	for i := 0; i < 5; i++ {
		times = append(times, from.Add(time.Duration(i)*time.Minute))
	}
	seedRecords(t, repo, times...)

	var batches []int
	var order []string
	err := repo.FindInWindow(ctx, Window{
		From: from, To: from.Add(time.Hour), Field: "request_time", BatchSize: 2,
	}, func(batch []db.APIRecord) error {
		batches = append(batches, len(batch))
		for _, r := range batch {
			order = append(order, r.Path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, batches)
	assert.Equal(t, []string{"/r/0", "/r/1", "/r/2", "/r/3", "/r/4"}, order)
}

func TestFindInWindowLegacyFallback(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewRecordRepository(database, tables)
	ctx := context.Background()

	from := time.Date(2025, 8, 25, 14, 0, 0, 0, time.UTC)
	seedRecords(t, repo, from.Add(10*time.Minute))

	// No field configured: a row matches when either request_time or
	// created_at falls inside the window. The seeded row qualifies via
	// request_time even though created_at is "now".
	var got []db.APIRecord
	err := repo.FindInWindow(ctx, Window{From: from, To: from.Add(time.Hour)}, func(batch []db.APIRecord) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordFind(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewRecordRepository(database, tables)
	ctx := context.Background()

	base := time.Date(2025, 8, 25, 8, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, &db.APIRecord{Method: "GET", Path: "/a", ResponseStatus: 200, RequestTime: base}))
	require.NoError(t, repo.Create(ctx, &db.APIRecord{Method: "POST", Path: "/a", ResponseStatus: 500, RequestTime: base.Add(time.Minute)}))

	got, total, err := repo.Find(ctx, RecordFilter{Method: "POST"}, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, got, 1)
	assert.Equal(t, 500, got[0].ResponseStatus)
}

func TestRecordDeleteOlderThan(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewRecordRepository(database, tables)
	ctx := context.Background()

	cutoff := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	seedRecords(t, repo, cutoff.Add(-time.Hour), cutoff.Add(time.Hour))

	n, err := repo.CountOlderThan(ctx, cutoff, "request_time")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := repo.DeleteOlderThan(ctx, cutoff, "request_time")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

// -----------------------------------------------------------------------------
// Processing logs
// -----------------------------------------------------------------------------

func TestProcessingLogAppendListDelete(t *testing.T) {
	database, tables := newTestDB(t)
	repo := NewProcessingLogRepository(database, tables)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Append(ctx, &db.ProcessingLog{
		Date: "2025-08-25", HourRange: "14-15", Status: db.StatusSuccess,
		FilePath: "/archive/a.json", Timestamp: now,
	}))
	require.NoError(t, repo.Append(ctx, &db.ProcessingLog{
		Date: "2025-08-25", HourRange: "15-16", Status: db.StatusFailed,
		Error: "boom", Timestamp: now.Add(time.Minute),
	}))
	require.NoError(t, repo.Append(ctx, &db.ProcessingLog{
		Date: "2025-08-24", HourRange: "14-15", Status: db.StatusSuccess,
		Timestamp: now.Add(-24 * time.Hour),
	}))

	entries, total, err := repo.List(ctx, "2025-08-25", "", ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "15-16", entries[0].HourRange)

	entries, total, err = repo.List(ctx, "2025-08-25", "14-15", ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, db.StatusSuccess, entries[0].Status)

	deleted, err := repo.DeleteOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
