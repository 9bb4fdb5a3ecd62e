package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Status is the shared state enum for jobs, hour slots and processing-log
// rows. Slot transitions form a DAG: pending→success, pending→failed,
// failed→pending (retry reset), failed→success. Nothing leaves success.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Tables resolves the configurable physical table names. Repositories
// address every query through these rather than static TableName methods.
type Tables struct {
	Records  string // api-records collection (default "apilogs")
	Jobs     string // daily job documents (default "jobs")
	JobHours string // hour-slot children (default jobs name + "_hours")
	Logs     string // processing-log rows (default "logs")
}

// -----------------------------------------------------------------------------
// API records
// -----------------------------------------------------------------------------

// APIRecord is one captured request/response document. Records are created
// by producers, immutable afterwards, and deleted only by retention.
// Body, header and param payloads are stored as JSON text so the windowed
// export can re-decode them without a schema.
type APIRecord struct {
	Base
	Method         string    `gorm:"not null;default:''"`
	Path           string    `gorm:"not null;default:''"`
	RequestBody    string    `gorm:"type:text;not null;default:''"` // JSON
	RequestHeaders string    `gorm:"type:text;not null;default:''"` // JSON
	QueryParams    string    `gorm:"type:text;not null;default:''"` // JSON
	PathParams     string    `gorm:"type:text;not null;default:''"` // JSON
	ResponseStatus int       `gorm:"not null;default:0"`
	ResponseBody   string    `gorm:"type:text;not null;default:''"` // JSON
	ClientIP       string    `gorm:"not null;default:''"`
	ClientAgent    string    `gorm:"not null;default:''"`
	RequestTime    time.Time `gorm:"not null;index"`
	ResponseTime   *time.Time
}

// -----------------------------------------------------------------------------
// Jobs and hour slots
// -----------------------------------------------------------------------------

// Job is the daily container of 24 hour slots, keyed by calendar date.
// Status is derived from the children on every slot write: success iff all
// slots succeeded, failed iff any slot failed with none pending, otherwise
// pending.
//
// Hours is populated by explicit queries in the repository layer; the
// gorm:"-" tag keeps GORM from attempting foreign key resolution on it
// (UUID primary keys defeat its auto-resolution).
type Job struct {
	Base
	Date   string `gorm:"not null;uniqueIndex"` // YYYY-MM-DD
	Status Status `gorm:"not null;default:'pending'"`

	Hours []HourSlot `gorm:"-"`
}

// HourSlot is the state machine for one [H:00, H+1:00) window of a job.
// AttemptLogs is a JSON array of SlotLog entries, bounded by the retry
// budget so it never grows past a handful of rows.
type HourSlot struct {
	Base
	JobDate     string `gorm:"column:job_date;not null"`
	Hour        int    `gorm:"not null"`
	HourRange   string `gorm:"not null"` // "HH-HH"
	FileName    string `gorm:"not null;default:''"`
	FilePath    string `gorm:"not null;default:''"` // empty until success
	Status      Status `gorm:"not null;default:'pending'"`
	Retries     int    `gorm:"not null;default:0"`
	AttemptLogs string `gorm:"type:text;not null;default:'[]'"` // JSON []SlotLog
}

// SlotLog is one failure entry in an hour slot's attempt log.
type SlotLog struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// Logs decodes the attempt log column. A corrupt column yields an empty
// slice rather than an error — the log is observational.
func (h *HourSlot) Logs() []SlotLog {
	var logs []SlotLog
	if err := json.Unmarshal([]byte(h.AttemptLogs), &logs); err != nil {
		return nil
	}
	return logs
}

// AppendLog records a failure entry on the slot.
func (h *HourSlot) AppendLog(at time.Time, message string) {
	logs := append(h.Logs(), SlotLog{Timestamp: at, Error: message})
	encoded, err := json.Marshal(logs)
	if err != nil {
		return
	}
	h.AttemptLogs = string(encoded)
}

// DeriveJobStatus computes the parent status from the 24 children.
func DeriveJobStatus(slots []HourSlot) Status {
	allSuccess := true
	anyFailed := false
	anyPending := false
	for _, slot := range slots {
		switch slot.Status {
		case StatusSuccess:
		case StatusFailed:
			allSuccess = false
			anyFailed = true
		default:
			allSuccess = false
			anyPending = true
		}
	}
	switch {
	case len(slots) > 0 && allSuccess:
		return StatusSuccess
	case anyFailed && !anyPending:
		return StatusFailed
	default:
		return StatusPending
	}
}

// -----------------------------------------------------------------------------
// Processing logs
// -----------------------------------------------------------------------------

// ProcessingLog is one append-only row per processing attempt, purely
// observational. FilePath is set on success, Error on failure.
type ProcessingLog struct {
	Base
	Date      string    `gorm:"not null;index"`
	HourRange string    `gorm:"not null"`
	Status    Status    `gorm:"not null"`
	FilePath  string    `gorm:"not null;default:''"`
	Error     string    `gorm:"type:text;not null;default:''"`
	Timestamp time.Time `gorm:"not null;index"`
}
