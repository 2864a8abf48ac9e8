package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
)

// FilesystemStore implements BlobStore on a local directory tree. Each
// bucket maps to a subdirectory; keys map to relative paths under it.
// Writes go through a temp file and rename so readers never observe a
// partial object.
type FilesystemStore struct {
	root          string
	publicBaseURL string
	logger        arbor.ILogger
}

// NewFilesystemStore creates a blob store rooted at the given directory.
func NewFilesystemStore(logger arbor.ILogger, config *common.BlobConfig) (*FilesystemStore, error) {
	if config.Path == "" {
		return nil, common.InvalidInputf("blob storage path is required")
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Filesystem blob store initialized")

	return &FilesystemStore{
		root:          config.Path,
		publicBaseURL: strings.TrimRight(config.PublicBaseURL, "/"),
		logger:        logger,
	}, nil
}

// objectPath resolves bucket/key to an absolute path, refusing keys that
// would escape the bucket directory.
func (s *FilesystemStore) objectPath(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", common.InvalidInputf("bucket and key are required")
	}
	bucketDir := filepath.Join(s.root, bucket)
	path := filepath.Join(bucketDir, filepath.FromSlash(key))
	if !strings.HasPrefix(path, bucketDir+string(os.PathSeparator)) {
		return "", common.InvalidInputf("key escapes bucket: %s", key)
	}
	return path, nil
}

func (s *FilesystemStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (*interfaces.PutResult, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to finalize object: %w", err)
	}

	sum := md5.Sum(data)
	return &interfaces.PutResult{ETag: hex.EncodeToString(sum[:])}, nil
}

func (s *FilesystemStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NotFoundf("object not found: %s/%s", bucket, key)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (s *FilesystemStore) Stat(ctx context.Context, bucket, key string) (int64, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, common.NotFoundf("object not found: %s/%s", bucket, key)
		}
		return 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return info.Size(), nil
}

// PresignedGet returns a stable public URL for the object. The
// filesystem store has no signing; the URL is valid as long as the
// object exists, regardless of ttl.
func (s *FilesystemStore) PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if _, err := s.Stat(ctx, bucket, key); err != nil {
		return "", err
	}
	base := s.publicBaseURL
	if base == "" {
		base = "file://" + s.root
	}
	return fmt.Sprintf("%s/%s/%s", base, url.PathEscape(bucket), key), nil
}

func (s *FilesystemStore) Delete(ctx context.Context, bucket, key string) error {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *FilesystemStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	keys, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, bucket, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *FilesystemStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	bucketDir := filepath.Join(s.root, bucket)
	if _, err := os.Stat(bucketDir); os.IsNotExist(err) {
		return nil, nil
	}

	var keys []string
	err := filepath.Walk(bucketDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return keys, nil
}
