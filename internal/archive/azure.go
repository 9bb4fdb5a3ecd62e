package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// AzureStore archives artifacts to an Azure Blob container using shared-key
// authentication. Lifecycle management policies live on the management
// plane, outside the data-plane SDK, so SetLifecycle reports unsupported
// and the in-process sweeper handles expiry.
type AzureStore struct {
	client    *azblob.Client
	container string
	account   string
	logger    *zap.Logger
}

// NewAzureStore builds a shared-key client. Endpoint overrides the default
// service URL for Azurite and sovereign clouds.
func NewAzureStore(cfg AzureConfig, logger *zap.Logger) (*AzureStore, error) {
	if cfg.AccountName == "" || cfg.Container == "" {
		return nil, fmt.Errorf("archive: azure.accountName and azure.container are required")
	}
	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("archive: azure shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: create azure client: %w", err)
	}
	return &AzureStore{
		client:    client,
		container: cfg.Container,
		account:   cfg.AccountName,
		logger:    logger.Named("archive.azure"),
	}, nil
}

func (s *AzureStore) Provider() string { return ProviderAzure }

func (s *AzureStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		v := v
		meta[k] = &v
	}
	_, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata:    meta,
	})
	if err != nil {
		return "", classifyAzureError("put "+key, err)
	}
	s.logger.Debug("artifact uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", s.account, s.container, key), nil
}

func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("archive: %w: %s", ErrNotFound, key)
		}
		return nil, classifyAzureError("get "+key, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("archive: %w: read body of %s: %v", ErrUnavailable, key, err)
	}
	return buf.Bytes(), nil
}

func (s *AzureStore) List(ctx context.Context, prefix string, since *time.Time) (Iterator, error) {
	pager := s.client.NewListBlobsFlatPager(s.container, &container.ListBlobsFlatOptions{Prefix: &prefix})
	return &azureIterator{ctx: ctx, pager: pager, since: since}, nil
}

func (s *AzureStore) Delete(ctx context.Context, keys ...string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := DeleteResult{Key: key}
		if _, err := s.client.DeleteBlob(ctx, s.container, key, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			res.Err = classifyAzureError("delete "+key, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *AzureStore) SetLifecycle(ctx context.Context, rules LifecycleRules) error {
	return ErrLifecycleUnsupported
}

type azureIterator struct {
	ctx   context.Context
	pager *runtime.Pager[azblob.ListBlobsFlatResponse]
	since *time.Time
	buf   []ObjectInfo
	pos   int
	err   error
}

func (it *azureIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pos < len(it.buf) {
			it.pos++
			return true
		}
		if !it.pager.More() {
			return false
		}
		page, err := it.pager.NextPage(it.ctx)
		if err != nil {
			it.err = classifyAzureError("list page", err)
			return false
		}
		it.buf = it.buf[:0]
		it.pos = 0
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || item.Properties == nil {
				continue
			}
			info := ObjectInfo{Key: *item.Name}
			if item.Properties.ContentLength != nil {
				info.Size = *item.Properties.ContentLength
			}
			if item.Properties.LastModified != nil {
				info.LastModified = *item.Properties.LastModified
			}
			if it.since != nil && info.LastModified.Before(*it.since) {
				continue
			}
			it.buf = append(it.buf, info)
		}
	}
}

func (it *azureIterator) Object() ObjectInfo { return it.buf[it.pos-1] }
func (it *azureIterator) Err() error         { return it.err }
func (it *azureIterator) Close() error       { return nil }

func classifyAzureError(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("archive: %w: %s: %v", ErrAuth, op, err)
		}
	}
	return fmt.Errorf("archive: %w: %s: %v", ErrUnavailable, op, err)
}
