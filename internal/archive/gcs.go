package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore archives artifacts to a Google Cloud Storage bucket. Lifecycle
// rules map the S3-style thresholds onto GCS storage classes: IA →
// NEARLINE, Glacier → COLDLINE, DeepArchive → ARCHIVE.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCSStore uses the configured service-account file when set, otherwise
// application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig, logger *zap.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs.bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, logger: logger.Named("archive.gcs")}, nil
}

func (s *GCSStore) Provider() string { return ProviderGCS }

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", classifyGCSError("put "+key, err)
	}
	if err := w.Close(); err != nil {
		return "", classifyGCSError("put "+key, err)
	}
	s.logger.Debug("artifact uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("archive: %w: %s", ErrNotFound, key)
		}
		return nil, classifyGCSError("get "+key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: %w: read body of %s: %v", ErrUnavailable, key, err)
	}
	return data, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string, since *time.Time) (Iterator, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	return &gcsIterator{it: it, since: since}, nil
}

func (s *GCSStore) Delete(ctx context.Context, keys ...string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := DeleteResult{Key: key}
		if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			res.Err = classifyGCSError("delete "+key, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// SetLifecycle replaces the bucket lifecycle with storage-class transitions
// and an age-based delete rule derived from the configured thresholds.
func (s *GCSStore) SetLifecycle(ctx context.Context, rules LifecycleRules) error {
	lifecycle := storage.Lifecycle{}
	addClass := func(days int, class string) {
		if days > 0 {
			lifecycle.Rules = append(lifecycle.Rules, storage.LifecycleRule{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: class},
				Condition: storage.LifecycleCondition{AgeInDays: int64(days), MatchesPrefix: prefixList(rules.Prefix)},
			})
		}
	}
	addClass(rules.TransitionToIA, "NEARLINE")
	addClass(rules.TransitionToGlacier, "COLDLINE")
	addClass(rules.TransitionToDeepArchive, "ARCHIVE")
	if rules.Expiration > 0 {
		lifecycle.Rules = append(lifecycle.Rules, storage.LifecycleRule{
			Action:    storage.LifecycleAction{Type: storage.DeleteAction},
			Condition: storage.LifecycleCondition{AgeInDays: int64(rules.Expiration), MatchesPrefix: prefixList(rules.Prefix)},
		})
	}

	_, err := s.client.Bucket(s.bucket).Update(ctx, storage.BucketAttrsToUpdate{Lifecycle: &lifecycle})
	if err != nil {
		return classifyGCSError("update lifecycle", err)
	}
	s.logger.Info("bucket lifecycle rules applied",
		zap.String("bucket", s.bucket),
		zap.Int("expiration_days", rules.Expiration),
	)
	return nil
}

func prefixList(prefix string) []string {
	if prefix == "" {
		return nil
	}
	return []string{prefix}
}

type gcsIterator struct {
	it    *storage.ObjectIterator
	since *time.Time
	cur   ObjectInfo
	err   error
}

func (it *gcsIterator) Next() bool {
	for {
		attrs, err := it.it.Next()
		if errors.Is(err, iterator.Done) {
			return false
		}
		if err != nil {
			it.err = classifyGCSError("list", err)
			return false
		}
		if it.since != nil && attrs.Updated.Before(*it.since) {
			continue
		}
		it.cur = ObjectInfo{Key: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated}
		return true
	}
}

func (it *gcsIterator) Object() ObjectInfo { return it.cur }
func (it *gcsIterator) Err() error         { return it.err }
func (it *gcsIterator) Close() error       { return nil }

func classifyGCSError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("archive: %w: %s: %v", ErrAuth, op, err)
		}
	}
	return fmt.Errorf("archive: %w: %s: %v", ErrUnavailable, op, err)
}
