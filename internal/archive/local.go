package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LocalStore writes artifacts to a directory tree on the host filesystem.
// Object keys use "/" separators and are mapped to the host separator on
// write; listings map back so callers always see canonical keys.
type LocalStore struct {
	root   string
	logger *zap.Logger
}

// NewLocalStore creates the root directory if it does not exist.
func NewLocalStore(cfg LocalConfig, logger *zap.Logger) (*LocalStore, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("archive: local.directory is required")
	}
	root, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("archive: resolve local directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create local directory: %w", err)
	}
	return &LocalStore{root: root, logger: logger.Named("archive.local")}, nil
}

func (s *LocalStore) Provider() string { return ProviderLocal }

// Put writes atomically via a temp file rename so a crashed upload never
// leaves a truncated artifact behind.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := s.hostPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: %w: mkdir: %v", ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("archive: %w: temp file: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("archive: %w: write: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("archive: %w: close: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("archive: %w: rename: %v", ErrUnavailable, err)
	}

	s.logger.Debug("artifact written", zap.String("key", key), zap.Int("bytes", len(data)))
	return path, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.hostPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("archive: %w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("archive: %w: read %s: %v", ErrUnavailable, key, err)
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string, since *time.Time) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		key := s.keyFor(path)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("archive: %w: walk: %v", ErrUnavailable, walkErr)
	}
	return &sliceIterator{objects: filterSince(objects, since)}, nil
}

func (s *LocalStore) Delete(ctx context.Context, keys ...string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := DeleteResult{Key: key}
		if err := os.Remove(s.hostPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// SetLifecycle is not supported on plain directories; the in-process
// retention sweeper handles local expiry.
func (s *LocalStore) SetLifecycle(ctx context.Context, rules LifecycleRules) error {
	return ErrLifecycleUnsupported
}

func (s *LocalStore) hostPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) keyFor(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
