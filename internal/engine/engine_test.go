package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/db"
	"github.com/logarc-io/logarc/internal/masking"
	"github.com/logarc-io/logarc/internal/repositories"
)

func newTestEngine(t *testing.T, mutate func(cfg *config.Config)) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.DBURI = filepath.Join(t.TempDir(), "test.db")
	cfg.Local.Directory = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	e := New(&cfg, zap.NewNop())
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestEngineInitAndPing(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.NoError(t, e.Ping(context.Background()))
	assert.NotNil(t, e.Retention())
}

func TestEngineInitRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DBDriver = "oracle"
	e := New(&cfg, zap.NewNop())
	assert.Error(t, e.Init(context.Background()))
}

func TestSaveRecordDefaultsRequestTime(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	record := &db.APIRecord{Method: "GET", Path: "/ping", ResponseStatus: 200}
	require.NoError(t, e.SaveRecord(ctx, record))
	assert.False(t, record.RequestTime.IsZero())

	got, _, err := e.FindRecords(ctx, repositories.RecordFilter{}, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/ping", got[0].Path)
}

func TestSaveRecordMasksOnIngest(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.DataMasking.Enabled = true
		cfg.DataMasking.ApplyOnIngest = true
	})
	ctx := context.Background()

	record := &db.APIRecord{
		Method:         "POST",
		Path:           "/login",
		RequestBody:    `{"password":"hunter2","user":"alice"}`,
		RequestHeaders: `{not json}`,
		ResponseStatus: 200,
		RequestTime:    time.Now().UTC(),
	}
	require.NoError(t, e.SaveRecord(ctx, record))

	got, _, err := e.FindRecords(ctx, repositories.RecordFilter{}, repositories.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].RequestBody, masking.MaskedToken)
	assert.Contains(t, got[0].RequestBody, "alice")
	assert.NotContains(t, got[0].RequestBody, "hunter2")
	// Undecodable columns are stored as-is; export reports them instead.
	assert.Equal(t, `{not json}`, got[0].RequestHeaders)
}

func TestSaveRecordsKeepsRawWithoutIngestMasking(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.DataMasking.Enabled = true
	})
	ctx := context.Background()

	require.NoError(t, e.SaveRecords(ctx, []db.APIRecord{
		{Method: "POST", Path: "/login", RequestBody: `{"password":"hunter2"}`, ResponseStatus: 200},
	}))

	got, _, err := e.FindRecords(ctx, repositories.RecordFilter{}, repositories.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].RequestBody, "hunter2")
}

func TestCreateDailyJobs(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	job, err := e.CreateDailyJobs(ctx, "2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, "2025-08-25", job.Date)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Len(t, job.Hours, 24)

	// Empty date seeds today.
	today, err := e.CreateDailyJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), today.Date)

	_, err = e.CreateDailyJobs(ctx, "25.08.2025")
	assert.Error(t, err)
}

func TestProcessSpecificHourEndToEnd(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.SaveRecords(ctx, []db.APIRecord{
		{Method: "GET", Path: "/a", RequestBody: `{"x":1}`, ResponseStatus: 200,
			RequestTime: time.Date(2025, 8, 25, 14, 30, 0, 0, time.UTC)},
	}))

	result, err := e.ProcessSpecificHour(ctx, "2025-08-25", 14)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Records)
	assert.Equal(t, "logs/2025-08-25/api-logs_2025-08-25_14-15.json", result.Key)

	job, err := e.GetJobStatus(ctx, "2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, job.Hours[14].Status)

	entries, total, err := e.GetProcessingLogs(ctx, "2025-08-25", "14-15", repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, db.StatusSuccess, entries[0].Status)
}

func TestFindRecordsInWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	base := time.Date(2025, 8, 25, 14, 0, 0, 0, time.UTC)
	require.NoError(t, e.SaveRecords(ctx, []db.APIRecord{
		{Method: "GET", Path: "/before", ResponseStatus: 200, RequestTime: base.Add(-time.Minute)},
		{Method: "GET", Path: "/in", ResponseStatus: 200, RequestTime: base.Add(10 * time.Minute)},
		{Method: "GET", Path: "/boundary", ResponseStatus: 200, RequestTime: base.Add(time.Hour)},
	}))

	got, err := e.FindRecordsInWindow(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/in", got[0].Path)
}
