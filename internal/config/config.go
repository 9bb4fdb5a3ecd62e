// Package config defines the single validated configuration snapshot for the
// logarc engine. Sources are merged in priority order: CLI flags override
// environment variables (LOGARC_*), which override the optional YAML file,
// which overrides the built-in defaults. After Init the snapshot is
// immutable — components hold it by value or by pointer and never write it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/logarc-io/logarc/internal/archive"
	"github.com/logarc-io/logarc/internal/masking"
	"github.com/logarc-io/logarc/internal/pathbuilder"
	"github.com/logarc-io/logarc/internal/serializer"
)

// Timestamp columns the windowed query may target. The first entry is the
// default; the legacy fallback ORs across request_time and created_at when
// no field is configured (see repositories.FindInWindow).
var AllowedTimestampFields = []string{"request_time", "response_time", "created_at"}

// Config is the root configuration snapshot.
type Config struct {
	DBDriver string `yaml:"dbDriver"` // sqlite | postgres
	DBURI    string `yaml:"dbUri"`    // DSN, or file path for sqlite

	UploadProvider  string `yaml:"uploadProvider"` // local | s3 | gcs | azure
	FileFormat      string `yaml:"fileFormat"`     // json | csv
	OutputDirectory string `yaml:"outputDirectory"`

	DailyCron  string `yaml:"dailyCron"`
	HourlyCron string `yaml:"hourlyCron"`
	Timezone   string `yaml:"timezone"`

	RetryAttempts         int `yaml:"retryAttempts"`
	RetrySweepDays        int `yaml:"retrySweepDays"`
	BatchSize             int `yaml:"batchSize"`
	AttemptTimeoutMinutes int `yaml:"attemptTimeoutMinutes"`

	Collections Collections `yaml:"collections"`
	APILogs     APILogs     `yaml:"apiLogs"`

	Local archive.LocalConfig `yaml:"local"`
	S3    archive.S3Config    `yaml:"s3"`
	GCS   archive.GCSConfig   `yaml:"gcs"`
	Azure archive.AzureConfig `yaml:"azure"`

	FolderStructure pathbuilder.Config     `yaml:"folderStructure"`
	Compression     serializer.Compression `yaml:"compression"`
	DataMasking     masking.Policy         `yaml:"dataMasking"`
	Retention       Retention              `yaml:"retention"`
	Logging         Logging                `yaml:"logging"`
	Notify          Notify                 `yaml:"notify"`
}

// Collections maps the logical collections onto physical table names.
type Collections struct {
	JobsCollectionName    string `yaml:"jobsCollectionName"`
	LogsCollectionName    string `yaml:"logsCollectionName"`
	APILogsCollectionName string `yaml:"apiLogsCollectionName"`
}

// APILogs configures read-only consumption of a pre-existing record table.
type APILogs struct {
	ExistingCollection ExistingCollection `yaml:"existingCollection"`
}

// ExistingCollection points the engine at a record table it does not own.
// Name overrides collections.apiLogsCollectionName; TimestampField selects
// the windowed-query column.
type ExistingCollection struct {
	Name           string `yaml:"name"`
	TimestampField string `yaml:"timestampField"`
}

// Retention groups the two sweeper configurations.
type Retention struct {
	Database RetentionDatabase `yaml:"database"`
	Storage  RetentionStorage  `yaml:"storage"`
}

// RetentionDatabase holds per-collection TTLs in days. Zero disables the
// sweep for that collection.
type RetentionDatabase struct {
	APILogs     int    `yaml:"apiLogs"`
	Jobs        int    `yaml:"jobs"`
	Logs        int    `yaml:"logs"`
	AutoCleanup bool   `yaml:"autoCleanup"`
	CleanupCron string `yaml:"cleanupCron"`
}

// RetentionStorage holds the archive TTL and the optional provider-side
// lifecycle policy.
type RetentionStorage struct {
	Files       int                    `yaml:"files"`
	AutoCleanup bool                   `yaml:"autoCleanup"`
	CleanupCron string                 `yaml:"cleanupCron"`
	S3Lifecycle archive.LifecycleRules `yaml:"s3Lifecycle"`
}

// Logging configures the zap sinks.
type Logging struct {
	Level         string `yaml:"level"` // debug | info | warn | error
	EnableConsole bool   `yaml:"enableConsole"`
	EnableFile    bool   `yaml:"enableFile"`
	LogFilePath   string `yaml:"logFilePath"`
}

// Notify configures the failure webhook. Empty URL disables it. When Secret
// is set the request body is signed with HMAC-SHA256 so the receiver can
// verify authenticity.
type Notify struct {
	WebhookURL     string `yaml:"webhookUrl"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// ValidationError aggregates every configuration problem found by Validate
// so operators can fix them in one pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(e.Errors, "\n"))
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBDriver:              "sqlite",
		DBURI:                 "./logarc.db",
		UploadProvider:        archive.ProviderLocal,
		FileFormat:            serializer.FormatJSON,
		OutputDirectory:       "logs",
		DailyCron:             "0 0 * * *",
		HourlyCron:            "0 * * * *",
		Timezone:              "UTC",
		RetryAttempts:         3,
		RetrySweepDays:        7,
		BatchSize:             5000,
		AttemptTimeoutMinutes: 5,
		Collections: Collections{
			JobsCollectionName:    "jobs",
			LogsCollectionName:    "logs",
			APILogsCollectionName: "apilogs",
		},
		Local: archive.LocalConfig{Directory: "./archive"},
		FolderStructure: pathbuilder.Config{
			Type: pathbuilder.TypeDaily,
		},
		Compression: serializer.Compression{
			Format: serializer.CompressGzip,
			Level:  6,
		},
		DataMasking: masking.Policy{
			MaskingChar: "*",
		},
		Retention: Retention{
			Database: RetentionDatabase{
				APILogs:     30,
				Jobs:        90,
				Logs:        90,
				CleanupCron: "0 3 * * *",
			},
			Storage: RetentionStorage{
				Files:       180,
				CleanupCron: "0 2 * * *",
			},
		},
		Logging: Logging{
			Level:         "info",
			EnableConsole: true,
		},
		Notify: Notify{TimeoutSeconds: 10},
	}
}

// Load reads and merges a YAML file over the defaults. In strict mode
// unknown keys are errors; otherwise they are collected as warnings via a
// second strict decode pass.
func Load(path string, strict bool) (*Config, []string, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(strict)
	if err := dec.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	var warnings []string
	if !strict {
		// Strict re-decode into a scratch copy just to surface unknown keys.
		scratch := Default()
		strictDec := yaml.NewDecoder(strings.NewReader(string(data)))
		strictDec.KnownFields(true)
		if err := strictDec.Decode(&scratch); err != nil {
			warnings = append(warnings, fmt.Sprintf("config: %v", err))
		}
	}

	return &cfg, warnings, nil
}

// Validate checks the whole snapshot and returns all problems at once.
// Warnings do not fail validation; the caller logs them.
func (c *Config) Validate() ([]string, error) {
	var errs, warnings []string

	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("dbDriver must be sqlite or postgres, got %q", c.DBDriver))
	}
	if c.DBURI == "" {
		errs = append(errs, "dbUri is required")
	}

	switch c.FileFormat {
	case serializer.FormatJSON, serializer.FormatCSV:
	default:
		errs = append(errs, fmt.Sprintf("fileFormat must be json or csv, got %q", c.FileFormat))
	}

	for name, expr := range map[string]string{
		"dailyCron":                     c.DailyCron,
		"hourlyCron":                    c.HourlyCron,
		"retention.database.cleanupCron": c.Retention.Database.CleanupCron,
		"retention.storage.cleanupCron":  c.Retention.Storage.CleanupCron,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s expression %q: %v", name, expr, err))
		}
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("invalid timezone %q: %v", c.Timezone, err))
	}

	if c.RetryAttempts < 0 {
		errs = append(errs, fmt.Sprintf("retryAttempts must be non-negative, got %d", c.RetryAttempts))
	}
	if c.RetrySweepDays < 0 {
		errs = append(errs, fmt.Sprintf("retrySweepDays must be non-negative, got %d", c.RetrySweepDays))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("batchSize must be positive, got %d", c.BatchSize))
	}

	if tf := c.APILogs.ExistingCollection.TimestampField; tf != "" && !isAllowedTimestampField(tf) {
		errs = append(errs, fmt.Sprintf("apiLogs.existingCollection.timestampField must be one of %s, got %q",
			strings.Join(AllowedTimestampFields, ", "), tf))
	}

	ac := c.Archive()
	errs = append(errs, ac.Validate()...)
	errs = append(errs, c.FolderStructure.Validate()...)
	errs = append(errs, c.Compression.Validate()...)

	maskWarnings, maskErrs := c.DataMasking.Validate()
	warnings = append(warnings, maskWarnings...)
	errs = append(errs, maskErrs...)

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	if c.Logging.EnableFile && c.Logging.LogFilePath == "" {
		errs = append(errs, "logging.logFilePath is required when logging.enableFile is set")
	}

	for name, days := range map[string]int{
		"retention.database.apiLogs": c.Retention.Database.APILogs,
		"retention.database.jobs":    c.Retention.Database.Jobs,
		"retention.database.logs":    c.Retention.Database.Logs,
		"retention.storage.files":    c.Retention.Storage.Files,
	} {
		if days < 0 {
			errs = append(errs, fmt.Sprintf("%s must be non-negative, got %d", name, days))
		}
	}

	if len(errs) > 0 {
		return warnings, &ValidationError{Errors: errs}
	}
	return warnings, nil
}

// Archive assembles the adapter configuration from the provider groups.
func (c *Config) Archive() archive.Config {
	return archive.Config{
		Provider: c.UploadProvider,
		Local:    c.Local,
		S3:       c.S3,
		GCS:      c.GCS,
		Azure:    c.Azure,
	}
}

// Location resolves the configured IANA timezone. Call only after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AttemptTimeout is the per-attempt deadline for window processing.
func (c *Config) AttemptTimeout() time.Duration {
	if c.AttemptTimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.AttemptTimeoutMinutes) * time.Minute
}

// RecordTable resolves the physical api-records table, honoring the
// read-only existing-collection override.
func (c *Config) RecordTable() string {
	if c.APILogs.ExistingCollection.Name != "" {
		return c.APILogs.ExistingCollection.Name
	}
	return c.Collections.APILogsCollectionName
}

// TimestampField resolves the configured windowed-query column; empty means
// the legacy OR fallback.
func (c *Config) TimestampField() string {
	return c.APILogs.ExistingCollection.TimestampField
}

func isAllowedTimestampField(field string) bool {
	for _, f := range AllowedTimestampFields {
		if f == field {
			return true
		}
	}
	return false
}
