// Package processor runs the hour-window pipeline: fetch the records of one
// [H:00, H+1:00) window, apply the masking policy, serialize, compress,
// upload the artifact, and commit the hour-slot state transition. One
// Processor instance serves both scheduled triggers and manual invocations;
// a per-window lock keeps the two from colliding.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/logarc-io/logarc/internal/archive"
	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/db"
	"github.com/logarc-io/logarc/internal/masking"
	"github.com/logarc-io/logarc/internal/metrics"
	"github.com/logarc-io/logarc/internal/notify"
	"github.com/logarc-io/logarc/internal/pathbuilder"
	"github.com/logarc-io/logarc/internal/repositories"
	"github.com/logarc-io/logarc/internal/serializer"
)

// ErrSlotBusy is returned when the window is already being processed by
// another goroutine in this process.
var ErrSlotBusy = errors.New("hour slot is already being processed")

// Result summarizes one processing attempt.
type Result struct {
	Date      string
	Hour      int
	HourRange string

	// Skipped is set when the slot already succeeded and nothing ran.
	Skipped bool
	// Empty is set when the window held no records; the slot still
	// transitions to success and an empty-array artifact is uploaded at
	// the computed key.
	Empty bool

	Records  int
	Dropped  int
	Bytes    int
	Key      string
	Location string
}

// Processor executes hour-window processing attempts.
type Processor struct {
	cfg      *config.Config
	records  repositories.RecordRepository
	jobs     repositories.JobRepository
	plogs    repositories.ProcessingLogRepository
	store    archive.Store
	masker   *masking.Engine
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	logger   *zap.Logger
	locks    *slotLocks
}

// New assembles a Processor from its collaborators.
func New(
	cfg *config.Config,
	records repositories.RecordRepository,
	jobs repositories.JobRepository,
	plogs repositories.ProcessingLogRepository,
	store archive.Store,
	masker *masking.Engine,
	m *metrics.Metrics,
	notifier *notify.Notifier,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		cfg:      cfg,
		records:  records,
		jobs:     jobs,
		plogs:    plogs,
		store:    store,
		masker:   masker,
		metrics:  m,
		notifier: notifier,
		logger:   logger.Named("processor"),
		locks:    newSlotLocks(),
	}
}

// Process runs one attempt for the given date (YYYY-MM-DD) and hour (0-23).
// A slot that already succeeded is skipped without touching the archive, so
// re-running an hour is always safe. Failures are committed to the slot
// (status, retry count, attempt log) before the error is returned.
func (p *Processor) Process(ctx context.Context, date string, hour int) (*Result, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("processor: hour must be in 0..23, got %d", hour)
	}
	day, err := time.ParseInLocation("2006-01-02", date, p.cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("processor: invalid date %q: %w", date, err)
	}

	job, err := p.jobs.UpsertJob(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("processor: ensure job: %w", err)
	}

	var slot *db.HourSlot
	for i := range job.Hours {
		if job.Hours[i].Hour == hour {
			slot = &job.Hours[i]
			break
		}
	}
	if slot == nil {
		return nil, fmt.Errorf("processor: job %s has no slot for hour %d", date, hour)
	}

	result := &Result{Date: date, Hour: hour, HourRange: slot.HourRange}
	if slot.Status == db.StatusSuccess {
		result.Skipped = true
		p.logger.Debug("slot already succeeded, skipping",
			zap.String("date", date), zap.String("hours", slot.HourRange))
		return result, nil
	}

	if !p.locks.TryLock(date, hour) {
		return nil, fmt.Errorf("processor: %s %s: %w", date, slot.HourRange, ErrSlotBusy)
	}
	defer p.locks.Unlock(date, hour)

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout())
	defer cancel()

	if err := p.attempt(attemptCtx, day, slot, result); err != nil {
		p.commitFailure(ctx, slot, result, err)
		return result, err
	}

	if err := p.commitSuccess(ctx, slot, result); err != nil {
		return result, err
	}
	return result, nil
}

// attempt performs the fetch → mask → serialize → compress → upload chain.
// State is committed by the caller so the slot reflects the outcome even
// when the attempt context expires mid-flight.
func (p *Processor) attempt(ctx context.Context, day time.Time, slot *db.HourSlot, result *Result) error {
	from := day.Add(time.Duration(slot.Hour) * time.Hour)
	window := repositories.Window{
		From:      from.UTC(),
		To:        from.Add(time.Hour).UTC(),
		Field:     p.cfg.TimestampField(),
		BatchSize: p.cfg.BatchSize,
	}

	var rows []map[string]any
	err := p.records.FindInWindow(ctx, window, func(batch []db.APIRecord) error {
		for i := range batch {
			row, err := recordToRow(&batch[i])
			if err != nil {
				result.Dropped++
				p.logger.Warn("dropping malformed record",
					zap.String("id", batch[i].ID.String()),
					zap.Error(err))
				continue
			}
			if p.masker.Enabled() {
				row = p.masker.Mask(row).(map[string]any)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch window: %w", err)
	}
	if p.metrics != nil && result.Dropped > 0 {
		p.metrics.RecordsDropped.Add(float64(result.Dropped))
	}

	// An empty window still produces an artifact: consumers can tell "hour
	// processed, nothing logged" apart from "hour never processed" by the
	// presence of the empty-array file at the computed key.
	result.Records = len(rows)
	result.Empty = len(rows) == 0

	data, err := serializer.Serialize(rows, p.cfg.FileFormat)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	ext := serializer.Ext(p.cfg.FileFormat)
	entryName := fmt.Sprintf("api-logs_%s_%s.%s", result.Date, slot.HourRange, ext)
	compressed, compExt, err := serializer.Compress(data, p.cfg.Compression, entryName)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	folder, file := pathbuilder.Build(
		p.cfg.FolderStructure, result.Date, slot.HourRange, string(db.StatusSuccess), ext, compExt)
	key := pathbuilder.Key(p.cfg.OutputDirectory, folder, file)

	location, err := p.store.Put(ctx, key, compressed,
		serializer.ContentType(p.cfg.FileFormat),
		map[string]string{
			"date":    result.Date,
			"hours":   slot.HourRange,
			"records": strconv.Itoa(len(rows)),
		})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	result.Bytes = len(compressed)
	result.Key = key
	result.Location = location
	slot.FileName = file
	slot.FilePath = location
	return nil
}

// commitSuccess transitions the slot to success and appends the matching
// processing-log entry.
func (p *Processor) commitSuccess(ctx context.Context, slot *db.HourSlot, result *Result) error {
	slot.Status = db.StatusSuccess
	if err := p.jobs.UpdateSlot(ctx, slot); err != nil {
		return fmt.Errorf("processor: commit success: %w", err)
	}

	entry := &db.ProcessingLog{
		Date:      result.Date,
		HourRange: result.HourRange,
		Status:    db.StatusSuccess,
		FilePath:  result.Location,
		Timestamp: time.Now().UTC(),
	}
	if err := p.plogs.Append(ctx, entry); err != nil {
		p.logger.Warn("failed to append processing log", zap.Error(err))
	}

	if p.metrics != nil {
		p.metrics.WindowsProcessed.WithLabelValues("success").Inc()
		p.metrics.RecordsArchived.Add(float64(result.Records))
		p.metrics.ArtifactBytes.Add(float64(result.Bytes))
	}

	p.logger.Info("hour window processed",
		zap.String("date", result.Date),
		zap.String("hours", result.HourRange),
		zap.Int("records", result.Records),
		zap.Int("dropped", result.Dropped),
		zap.Int("bytes", result.Bytes),
		zap.Bool("empty", result.Empty),
		zap.String("location", result.Location))
	return nil
}

// commitFailure records the failed attempt on the slot and notifies when
// the retry budget is exhausted. Uses the parent context: the attempt
// context may already be expired. Retries saturates at the configured
// budget; attempts past the cap still append their log entry.
func (p *Processor) commitFailure(ctx context.Context, slot *db.HourSlot, result *Result, cause error) {
	slot.Status = db.StatusFailed
	if slot.Retries < p.cfg.RetryAttempts {
		slot.Retries++
	}
	slot.AppendLog(time.Now().UTC(), cause.Error())

	if err := p.jobs.UpdateSlot(ctx, slot); err != nil {
		p.logger.Error("failed to commit slot failure", zap.Error(err))
	}

	entry := &db.ProcessingLog{
		Date:      result.Date,
		HourRange: result.HourRange,
		Status:    db.StatusFailed,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := p.plogs.Append(ctx, entry); err != nil {
		p.logger.Warn("failed to append processing log", zap.Error(err))
	}

	if p.metrics != nil {
		p.metrics.WindowsProcessed.WithLabelValues("failed").Inc()
	}

	p.logger.Error("hour window failed",
		zap.String("date", result.Date),
		zap.String("hours", result.HourRange),
		zap.Int("retries", slot.Retries),
		zap.Error(cause))

	if slot.Retries >= p.cfg.RetryAttempts && p.notifier != nil {
		p.notifier.SlotExhausted(ctx, result.Date, result.HourRange, cause.Error(), slot.Retries)
	}
}

// recordToRow flattens a stored record into the export document. The JSON
// payload columns are decoded so the artifact carries structured values
// rather than double-encoded strings; a record whose payload no longer
// parses is reported as malformed and dropped by the caller.
func recordToRow(record *db.APIRecord) (map[string]any, error) {
	row := map[string]any{
		"id":             record.ID.String(),
		"method":         record.Method,
		"path":           record.Path,
		"responseStatus": record.ResponseStatus,
		"clientIp":       record.ClientIP,
		"clientAgent":    record.ClientAgent,
		"requestTime":    record.RequestTime.UTC().Format(time.RFC3339),
		"createdAt":      record.CreatedAt.UTC().Format(time.RFC3339),
	}
	if record.ResponseTime != nil {
		row["responseTime"] = record.ResponseTime.UTC().Format(time.RFC3339)
	}

	for name, raw := range map[string]string{
		"requestBody":    record.RequestBody,
		"requestHeaders": record.RequestHeaders,
		"queryParams":    record.QueryParams,
		"pathParams":     record.PathParams,
		"responseBody":   record.ResponseBody,
	} {
		value, err := decodePayload(raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		if value != nil {
			row[name] = value
		}
	}
	return row, nil
}

func decodePayload(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	return value, nil
}
