package interfaces

import (
	"context"
	"time"
)

// Buckets used by the pipeline.
const (
	BucketUploads = "uploads" // Original uploaded documents
	BucketPages   = "pages"   // Per-page PDF blobs produced by split
	BucketResults = "results" // Merged markdown results
	BucketCrawled = "crawled" // Crawler execution artifacts
)

// PutResult carries the outcome of a blob write.
type PutResult struct {
	ETag string
}

// BlobStore is the object-storage contract the core consumes. The
// production implementation is a MinIO client; tests and single-node
// deployments use the filesystem implementation.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (*PutResult, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Stat returns the stored object size without reading the body.
	Stat(ctx context.Context, bucket, key string) (int64, error)
	PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}
