// Package archive provides a uniform object-store surface over local
// filesystem, S3-compatible, Google Cloud Storage and Azure Blob backends.
// Keys are UTF-8 paths with "/" separators regardless of backend; the local
// variant maps them to host separators. Writes are last-write-wins on
// identical keys, which together with the deterministic path builder gives
// the engine its at-least-once upload idempotence.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Supported providers.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// Sentinel errors. Implementations wrap transport failures in ErrUnavailable
// and credential rejections in ErrAuth so callers can classify with errors.Is.
var (
	ErrUnavailable          = errors.New("archive unavailable")
	ErrAuth                 = errors.New("archive authentication failed")
	ErrNotFound             = errors.New("archive object not found")
	ErrLifecycleUnsupported = errors.New("lifecycle rules not supported by this provider")
)

// ObjectInfo describes a stored artifact as returned by List.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Iterator lazily walks a listing. Callers must Close it and check Err
// after Next returns false. Iterators are not restartable — re-issue the
// List call to retry a failed walk.
type Iterator interface {
	Next() bool
	Object() ObjectInfo
	Err() error
	Close() error
}

// DeleteResult reports the outcome of one key in a bulk delete.
type DeleteResult struct {
	Key string
	Err error
}

// LifecycleRules is the declarative retention policy pushed to providers
// that support server-side lifecycle management. Day thresholds of zero
// disable the corresponding rule.
type LifecycleRules struct {
	// Prefix scopes the rules to the engine's output directory. Set by the
	// retention engine, not from configuration.
	Prefix string `yaml:"-"`

	Enabled                 bool `yaml:"enabled"`
	TransitionToIA          int  `yaml:"transitionToIA"`
	TransitionToGlacier     int  `yaml:"transitionToGlacier"`
	TransitionToDeepArchive int  `yaml:"transitionToDeepArchive"`
	Expiration              int  `yaml:"expiration"`
}

// Store is the capability set every archive backend implements.
type Store interface {
	// Put uploads bytes under key and returns the artifact location
	// (URL for remote providers, absolute path for the local variant).
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error)

	// Get downloads an object. Used by retention dry-run audits and
	// re-ingest flows.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns a lazy iterator over objects under prefix. When since is
	// non-nil only objects modified at or after it are yielded.
	List(ctx context.Context, prefix string, since *time.Time) (Iterator, error)

	// Delete removes keys in bulk, reporting per-key outcomes. A non-nil
	// error means the operation as a whole could not be attempted.
	Delete(ctx context.Context, keys ...string) ([]DeleteResult, error)

	// SetLifecycle pushes the declarative retention policy. Providers
	// without lifecycle support return ErrLifecycleUnsupported, which
	// callers treat as a warning.
	SetLifecycle(ctx context.Context, rules LifecycleRules) error

	// Provider returns the provider identifier for logging.
	Provider() string
}

// Config selects and configures a backend.
type Config struct {
	Provider string      `yaml:"uploadProvider"`
	Local    LocalConfig `yaml:"local"`
	S3       S3Config    `yaml:"s3"`
	GCS      GCSConfig   `yaml:"gcs"`
	Azure    AzureConfig `yaml:"azure"`
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Directory string `yaml:"directory"`
}

// S3Config configures the S3-compatible backend. Endpoint overrides the AWS
// default for MinIO and other S3-compatible services.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	ForcePathStyle  bool   `yaml:"forcePathStyle"`
}

// GCSConfig configures the Google Cloud Storage backend. When
// CredentialsFile is empty, application default credentials are used.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	ProjectID       string `yaml:"projectId"`
	CredentialsFile string `yaml:"credentialsFile"`
}

// AzureConfig configures the Azure Blob backend.
type AzureConfig struct {
	AccountName string `yaml:"accountName"`
	AccountKey  string `yaml:"accountKey"`
	Container   string `yaml:"container"`
	Endpoint    string `yaml:"endpoint"`
}

// Validate reports configuration errors as plain strings.
func (c *Config) Validate() []string {
	var errs []string
	switch c.Provider {
	case ProviderLocal, "":
		if c.Local.Directory == "" {
			errs = append(errs, "local.directory is required for the local upload provider")
		}
	case ProviderS3:
		if c.S3.Bucket == "" {
			errs = append(errs, "s3.bucket is required for the s3 upload provider")
		}
	case ProviderGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, "gcs.bucket is required for the gcs upload provider")
		}
	case ProviderAzure:
		if c.Azure.AccountName == "" || c.Azure.Container == "" {
			errs = append(errs, "azure.accountName and azure.container are required for the azure upload provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("uploadProvider must be local, s3, gcs or azure, got %q", c.Provider))
	}
	return errs
}

// NewStore builds the backend selected by cfg.Provider.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalStore(cfg.Local, logger)
	case ProviderS3:
		return NewS3Store(ctx, cfg.S3, logger)
	case ProviderGCS:
		return NewGCSStore(ctx, cfg.GCS, logger)
	case ProviderAzure:
		return NewAzureStore(cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("archive: unknown provider %q", cfg.Provider)
	}
}

// sliceIterator adapts an eagerly collected listing to the Iterator
// interface. Used by backends whose SDK listing is already windowed.
type sliceIterator struct {
	objects []ObjectInfo
	pos     int
	err     error
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.objects) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Object() ObjectInfo { return it.objects[it.pos-1] }
func (it *sliceIterator) Err() error         { return it.err }
func (it *sliceIterator) Close() error       { return nil }

// filterSince drops objects modified before the cutoff.
func filterSince(objects []ObjectInfo, since *time.Time) []ObjectInfo {
	if since == nil {
		return objects
	}
	out := objects[:0]
	for _, obj := range objects {
		if !obj.LastModified.Before(*since) {
			out = append(out, obj)
		}
	}
	return out
}
