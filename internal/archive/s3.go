package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// S3Store archives artifacts to Amazon S3 or any S3-compatible service
// (MinIO, Ceph RGW) via a custom endpoint. Uploads go through the transfer
// manager so large artifacts transparently use multipart uploads, and
// identical keys are last-write-wins per S3 semantics.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	logger   *zap.Logger
}

// NewS3Store builds the client from static credentials when configured,
// falling back to the default AWS credential chain otherwise.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3.bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		region:   cfg.Region,
		logger:   logger.Named("archive.s3"),
	}, nil
}

func (s *S3Store) Provider() string { return ProviderS3 }

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return "", classifyS3Error("put "+key, err)
	}
	s.logger.Debug("artifact uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("archive: %w: %s", ErrNotFound, key)
		}
		return nil, classifyS3Error("get "+key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: %w: read body of %s: %v", ErrUnavailable, key, err)
	}
	return data, nil
}

func (s *S3Store) List(ctx context.Context, prefix string, since *time.Time) (Iterator, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	return &s3Iterator{ctx: ctx, paginator: paginator, since: since}, nil
}

func (s *S3Store) Delete(ctx context.Context, keys ...string) ([]DeleteResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	objects := make([]s3types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objects[i] = s3types.ObjectIdentifier{Key: aws.String(key)}
	}
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(false)},
	})
	if err != nil {
		return nil, classifyS3Error("delete objects", err)
	}

	failed := make(map[string]error, len(out.Errors))
	for _, e := range out.Errors {
		failed[aws.ToString(e.Key)] = fmt.Errorf("%w: %s: %s",
			ErrUnavailable, aws.ToString(e.Code), aws.ToString(e.Message))
	}
	results := make([]DeleteResult, len(keys))
	for i, key := range keys {
		results[i] = DeleteResult{Key: key, Err: failed[key]}
	}
	return results, nil
}

// SetLifecycle pushes storage-class transitions and expiration as a single
// bucket lifecycle rule. Idempotent: PutBucketLifecycleConfiguration
// replaces any previous rule with the same ID.
func (s *S3Store) SetLifecycle(ctx context.Context, rules LifecycleRules) error {
	rule := s3types.LifecycleRule{
		ID:     aws.String("logarc-retention"),
		Status: s3types.ExpirationStatusEnabled,
		Filter: &s3types.LifecycleRuleFilter{Prefix: aws.String(rules.Prefix)},
	}
	if rules.TransitionToIA > 0 {
		rule.Transitions = append(rule.Transitions, s3types.Transition{
			Days:         aws.Int32(int32(rules.TransitionToIA)),
			StorageClass: s3types.TransitionStorageClassStandardIa,
		})
	}
	if rules.TransitionToGlacier > 0 {
		rule.Transitions = append(rule.Transitions, s3types.Transition{
			Days:         aws.Int32(int32(rules.TransitionToGlacier)),
			StorageClass: s3types.TransitionStorageClassGlacier,
		})
	}
	if rules.TransitionToDeepArchive > 0 {
		rule.Transitions = append(rule.Transitions, s3types.Transition{
			Days:         aws.Int32(int32(rules.TransitionToDeepArchive)),
			StorageClass: s3types.TransitionStorageClassDeepArchive,
		})
	}
	if rules.Expiration > 0 {
		rule.Expiration = &s3types.LifecycleExpiration{Days: aws.Int32(int32(rules.Expiration))}
	}

	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{
			Rules: []s3types.LifecycleRule{rule},
		},
	})
	if err != nil {
		return classifyS3Error("put lifecycle configuration", err)
	}
	s.logger.Info("bucket lifecycle rules applied",
		zap.String("bucket", s.bucket),
		zap.Int("transition_ia_days", rules.TransitionToIA),
		zap.Int("transition_glacier_days", rules.TransitionToGlacier),
		zap.Int("transition_deep_archive_days", rules.TransitionToDeepArchive),
		zap.Int("expiration_days", rules.Expiration),
	)
	return nil
}

// s3Iterator pulls ListObjectsV2 pages on demand so large buckets are never
// buffered in full.
type s3Iterator struct {
	ctx       context.Context
	paginator *s3.ListObjectsV2Paginator
	since     *time.Time
	buf       []ObjectInfo
	pos       int
	err       error
}

func (it *s3Iterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pos < len(it.buf) {
			it.pos++
			return true
		}
		if !it.paginator.HasMorePages() {
			return false
		}
		page, err := it.paginator.NextPage(it.ctx)
		if err != nil {
			it.err = classifyS3Error("list page", err)
			return false
		}
		it.buf = it.buf[:0]
		it.pos = 0
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			}
			if it.since != nil && info.LastModified.Before(*it.since) {
				continue
			}
			it.buf = append(it.buf, info)
		}
	}
}

func (it *s3Iterator) Object() ObjectInfo { return it.buf[it.pos-1] }
func (it *s3Iterator) Err() error         { return it.err }
func (it *s3Iterator) Close() error       { return nil }

// classifyS3Error maps SDK failures onto the archive error taxonomy.
func classifyS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return fmt.Errorf("archive: %w: %s: %v", ErrAuth, op, err)
		}
	}
	return fmt.Errorf("archive: %w: %s: %v", ErrUnavailable, op, err)
}
