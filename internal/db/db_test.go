package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRunsMigrations(t *testing.T) {
	tables := DefaultTables("apilogs", "jobs", "logs")
	database, err := New(Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Tables: tables,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, Close(database)) }()

	require.NoError(t, Ping(context.Background(), database))

	// The migrations created every configured table.
	for _, name := range []string{tables.Records, tables.Jobs, tables.JobHours, tables.Logs} {
		assert.True(t, database.Migrator().HasTable(name), "missing table %s", name)
	}
}

func TestNewWithCustomTableNames(t *testing.T) {
	tables := DefaultTables("legacy_api_logs", "batch_jobs", "batch_logs")
	assert.Equal(t, "batch_jobs_hours", tables.JobHours)

	database, err := New(Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Tables: tables,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, Close(database)) }()

	assert.True(t, database.Migrator().HasTable("legacy_api_logs"))
	assert.True(t, database.Migrator().HasTable("batch_jobs_hours"))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "x", Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestBaseAssignsUUIDOnCreate(t *testing.T) {
	tables := DefaultTables("apilogs", "jobs", "logs")
	database, err := New(Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Tables: tables,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, Close(database)) }()

	first := APIRecord{Method: "GET", Path: "/a", RequestTime: time.Now().UTC()}
	require.NoError(t, database.Table(tables.Records).Create(&first).Error)
	second := APIRecord{Method: "GET", Path: "/b", RequestTime: time.Now().UTC()}
	require.NoError(t, database.Table(tables.Records).Create(&second).Error)

	assert.NotEqual(t, first.ID, second.ID)
	assert.EqualValues(t, 7, first.ID.Version())
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.True(t, StatusSuccess.Valid())
	assert.True(t, StatusFailed.Valid())
	assert.False(t, Status("running").Valid())
}

func TestSlotLogRoundTrip(t *testing.T) {
	slot := HourSlot{AttemptLogs: "[]"}
	assert.Empty(t, slot.Logs())

	at := time.Date(2025, 8, 25, 14, 5, 0, 0, time.UTC)
	slot.AppendLog(at, "upload failed")
	slot.AppendLog(at.Add(time.Hour), "still failing")

	logs := slot.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "upload failed", logs[0].Error)
	assert.Equal(t, at, logs[0].Timestamp)

	// Corrupt column degrades to empty, never errors.
	slot.AttemptLogs = "{broken"
	assert.Empty(t, slot.Logs())
}

func TestDeriveJobStatus(t *testing.T) {
	mk := func(statuses ...Status) []HourSlot {
		slots := make([]HourSlot, len(statuses))
		for i, s := range statuses {
			slots[i].Status = s
		}
		return slots
	}

	tests := []struct {
		name  string
		slots []HourSlot
		want  Status
	}{
		{"empty", nil, StatusPending},
		{"all pending", mk(StatusPending, StatusPending), StatusPending},
		{"all success", mk(StatusSuccess, StatusSuccess), StatusSuccess},
		{"failed with pending left", mk(StatusFailed, StatusPending), StatusPending},
		{"failed and settled", mk(StatusFailed, StatusSuccess), StatusFailed},
		{"mixed still pending", mk(StatusSuccess, StatusPending), StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveJobStatus(tt.slots))
		})
	}
}
