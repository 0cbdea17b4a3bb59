// Package backup uploads database snapshots to S3-compatible storage.
// Field devices get lost and broken; an off-device copy of the capture
// database bounds the damage. When no bucket is configured the NoopUploader
// keeps the agent in local-only mode.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader uploads snapshot files to durable storage.
type Uploader interface {
	Upload(ctx context.Context, filePath string) error
}

// S3Options configures the S3-compatible endpoint.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	DeviceID  string
	UseSSL    bool
}

// S3Uploader uploads snapshots to S3-compatible storage under
// {prefix}/{deviceID}/{filename}.
type S3Uploader struct {
	client   *minio.Client
	bucket   string
	prefix   string
	deviceID string
}

// NewS3Uploader creates an uploader for the given endpoint and bucket.
func NewS3Uploader(opts S3Options) (*S3Uploader, error) {
	if opts.Bucket == "" {
		return nil, ErrNotConfigured
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		deviceID: opts.DeviceID,
	}, nil
}

// Upload uploads the snapshot file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	key := path.Join(u.prefix, u.deviceID, filepath.Base(filePath))
	_, err := u.client.FPutObject(ctx, u.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload always returns ErrNotConfigured.
func (NoopUploader) Upload(ctx context.Context, filePath string) error {
	return ErrNotConfigured
}
