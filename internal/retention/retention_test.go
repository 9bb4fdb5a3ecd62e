package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logarc-io/logarc/internal/archive"
	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/db"
	"github.com/logarc-io/logarc/internal/metrics"
	"github.com/logarc-io/logarc/internal/repositories"
)

// All cutoffs in these tests derive from this frozen clock. With the default
// TTLs (30/90/90 days, 180 for files) the cutoffs land on 2025-07-26 for
// records, 2025-05-27 for jobs and logs, 2025-02-26 for files.
var frozenNow = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

type retEnv struct {
	cfg      *config.Config
	eng      *Engine
	records  repositories.RecordRepository
	jobs     repositories.JobRepository
	plogs    repositories.ProcessingLogRepository
	store    archive.Store
	storeDir string
}

func newRetEnv(t *testing.T, mutate func(cfg *config.Config)) *retEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DBURI = filepath.Join(t.TempDir(), "test.db")
	cfg.Local.Directory = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	tables := db.DefaultTables(cfg.RecordTable(), cfg.Collections.JobsCollectionName, cfg.Collections.LogsCollectionName)
	database, err := db.New(db.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBURI,
		Tables: tables,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	store, err := archive.NewStore(context.Background(), cfg.Archive(), zap.NewNop())
	require.NoError(t, err)

	env := &retEnv{
		cfg:      &cfg,
		records:  repositories.NewRecordRepository(database, tables),
		jobs:     repositories.NewJobRepository(database, tables),
		plogs:    repositories.NewProcessingLogRepository(database, tables),
		store:    store,
		storeDir: cfg.Local.Directory,
	}
	env.eng = New(&cfg, env.records, env.jobs, env.plogs, store,
		metrics.New(prometheus.NewRegistry()), zap.NewNop())
	env.eng.now = func() time.Time { return frozenNow }
	return env
}

func (env *retEnv) seedRecords(t *testing.T, requestTimes ...time.Time) {
	t.Helper()
	records := make([]db.APIRecord, 0, len(requestTimes))
	for i, ts := range requestTimes {
		records = append(records, db.APIRecord{
			Method:         "GET",
			Path:           fmt.Sprintf("/r/%d", i),
			ResponseStatus: 200,
			RequestTime:    ts,
		})
	}
	require.NoError(t, env.records.BulkCreate(context.Background(), records))
}

// seedJob creates a daily job and drives every slot to the given terminal
// status; left pending the job is retention-exempt.
func (env *retEnv) seedJob(t *testing.T, date string, status db.Status) {
	t.Helper()
	job, err := env.jobs.UpsertJob(context.Background(), date)
	require.NoError(t, err)
	if status == db.StatusPending {
		return
	}
	for i := range job.Hours {
		slot := job.Hours[i]
		slot.Status = status
		require.NoError(t, env.jobs.UpdateSlot(context.Background(), &slot))
	}
}

func (env *retEnv) seedLog(t *testing.T, ts time.Time) {
	t.Helper()
	require.NoError(t, env.plogs.Append(context.Background(), &db.ProcessingLog{
		Date:      ts.Format("2006-01-02"),
		HourRange: "14-15",
		Status:    db.StatusSuccess,
		Timestamp: ts,
	}))
}

// seedFile uploads an artifact and backdates its modification time.
func (env *retEnv) seedFile(t *testing.T, key string, modified time.Time) {
	t.Helper()
	_, err := env.store.Put(context.Background(), key, []byte("x"), "application/json", nil)
	require.NoError(t, err)
	path := filepath.Join(env.storeDir, filepath.FromSlash(key))
	require.NoError(t, os.Chtimes(path, modified, modified))
}

func (env *retEnv) seedAll(t *testing.T) {
	// 2 expired records, 3 fresh.
	env.seedRecords(t,
		frozenNow.AddDate(0, 0, -40),
		frozenNow.AddDate(0, 0, -35),
		frozenNow.AddDate(0, 0, -5),
		frozenNow.AddDate(0, 0, -1),
		frozenNow.Add(-time.Hour),
	)
	// 1 expired completed job, 1 fresh job.
	env.seedJob(t, "2025-05-01", db.StatusSuccess)
	env.seedJob(t, "2025-08-24", db.StatusSuccess)
	// 2 expired logs, 1 fresh.
	env.seedLog(t, frozenNow.AddDate(0, 0, -120))
	env.seedLog(t, frozenNow.AddDate(0, 0, -95))
	env.seedLog(t, frozenNow.AddDate(0, 0, -2))
	// 1 expired artifact, 1 fresh.
	env.seedFile(t, "logs/2025-02-01/a.json", frozenNow.AddDate(0, 0, -205))
	env.seedFile(t, "logs/2025-08-24/b.json", frozenNow.AddDate(0, 0, -1))
}

func TestStats(t *testing.T) {
	env := newRetEnv(t, nil)
	env.seedAll(t)

	stats, err := env.eng.Stats(context.Background())
	require.NoError(t, err)

	require.Len(t, stats.Database, 3)
	byTarget := map[string]CollectionStats{}
	for _, cs := range stats.Database {
		byTarget[cs.Target] = cs
	}
	assert.Equal(t, CollectionStats{Target: TargetAPILogs, TTLDays: 30, Total: 5, Expired: 2}, byTarget[TargetAPILogs])
	assert.Equal(t, CollectionStats{Target: TargetJobs, TTLDays: 90, Total: 2, Expired: 1}, byTarget[TargetJobs])
	assert.Equal(t, CollectionStats{Target: TargetLogs, TTLDays: 90, Total: 3, Expired: 2}, byTarget[TargetLogs])

	assert.Equal(t, 180, stats.Storage.TTLDays)
	assert.Equal(t, 2, stats.Storage.Files)
	assert.Equal(t, 1, stats.Storage.Expired)
	assert.Equal(t, int64(1), stats.Storage.ExpiredBytes)
}

func TestCleanupDryRunLeavesEverything(t *testing.T) {
	env := newRetEnv(t, nil)
	env.seedAll(t)
	ctx := context.Background()

	result, err := env.eng.Cleanup(ctx, Options{Database: true, Storage: true, DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, int64(2), result.Deleted[TargetAPILogs])
	assert.Equal(t, int64(1), result.Deleted[TargetJobs])
	assert.Equal(t, int64(2), result.Deleted[TargetLogs])
	assert.Equal(t, int64(1), result.Deleted[TargetFiles])
	assert.Equal(t, int64(1), result.Bytes)

	// Nothing was touched.
	total, err := env.records.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	_, err = env.jobs.GetJob(ctx, "2025-05-01")
	assert.NoError(t, err)
	_, err = env.store.Get(ctx, "logs/2025-02-01/a.json")
	assert.NoError(t, err)
}

func TestCleanupDeletesExpired(t *testing.T) {
	env := newRetEnv(t, nil)
	env.seedAll(t)
	ctx := context.Background()

	result, err := env.eng.Cleanup(ctx, Options{Database: true, Storage: true})
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	assert.Equal(t, int64(2), result.Deleted[TargetAPILogs])
	assert.Equal(t, int64(1), result.Deleted[TargetJobs])
	assert.Equal(t, int64(2), result.Deleted[TargetLogs])
	assert.Equal(t, int64(1), result.Deleted[TargetFiles])

	total, err := env.records.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = env.jobs.GetJob(ctx, "2025-05-01")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = env.jobs.GetJob(ctx, "2025-08-24")
	assert.NoError(t, err)

	logTotal, err := env.plogs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), logTotal)

	_, err = env.store.Get(ctx, "logs/2025-02-01/a.json")
	assert.ErrorIs(t, err, archive.ErrNotFound)
	_, err = env.store.Get(ctx, "logs/2025-08-24/b.json")
	assert.NoError(t, err)
}

func TestCleanupSelectsSides(t *testing.T) {
	env := newRetEnv(t, nil)
	env.seedAll(t)
	ctx := context.Background()

	// Database-only run leaves the archive alone.
	result, err := env.eng.Cleanup(ctx, Options{Database: true})
	require.NoError(t, err)
	assert.NotContains(t, result.Deleted, TargetFiles)
	_, err = env.store.Get(ctx, "logs/2025-02-01/a.json")
	assert.NoError(t, err)

	// Storage-only run leaves the rows alone.
	result, err = env.eng.Cleanup(ctx, Options{Storage: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Deleted[TargetFiles])
	assert.NotContains(t, result.Deleted, TargetAPILogs)
}

func TestCleanupZeroTTLDisablesTarget(t *testing.T) {
	env := newRetEnv(t, func(cfg *config.Config) {
		cfg.Retention.Database.APILogs = 0
		cfg.Retention.Database.Jobs = 0
		cfg.Retention.Database.Logs = 0
		cfg.Retention.Storage.Files = 0
	})
	env.seedAll(t)
	ctx := context.Background()

	result, err := env.eng.Cleanup(ctx, Options{Database: true, Storage: true})
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)

	total, err := env.records.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	_, err = env.store.Get(ctx, "logs/2025-02-01/a.json")
	assert.NoError(t, err)
}

func TestCleanupExemptsPendingJobs(t *testing.T) {
	env := newRetEnv(t, nil)
	ctx := context.Background()

	// Both jobs are far past the TTL, but only the completed one may go.
	env.seedJob(t, "2025-01-10", db.StatusPending)
	env.seedJob(t, "2025-01-11", db.StatusFailed)

	result, err := env.eng.Cleanup(ctx, Options{Database: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Deleted[TargetJobs])

	job, err := env.jobs.GetJob(ctx, "2025-01-10")
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Len(t, job.Hours, 24)

	_, err = env.jobs.GetJob(ctx, "2025-01-11")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSetupLifecycle(t *testing.T) {
	env := newRetEnv(t, nil)

	// Not enabled: nothing to do.
	require.NoError(t, env.eng.SetupLifecycle(context.Background()))

	// Enabled against the local store: unsupported is a warning, not an error.
	env.cfg.Retention.Storage.S3Lifecycle = archive.LifecycleRules{Enabled: true, Expiration: 180}
	require.NoError(t, env.eng.SetupLifecycle(context.Background()))
}
