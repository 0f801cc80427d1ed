package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

// ObjectStore keeps model artifacts as bucket/prefix/relative-path objects.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	// DownloadDir copies every object under prefix into dest, keeping the
	// path relative to prefix.
	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

// NewObjectStore returns an s3 store when an endpoint or credentials are
// configured and a local store rooted at localDir otherwise.
func NewObjectStore(cfg S3ClientConfig, localDir string) (ObjectStore, error) {
	if cfg.Endpoint == "" && cfg.AccessKeyID == "" {
		return NewLocalObjectStore(localDir)
	}
	return NewS3ObjectStore(cfg)
}
