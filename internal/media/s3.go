package media

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/soyeahso/unibox/internal/config"
	"github.com/soyeahso/unibox/internal/logging"
)

// S3Mirror copies stored media to an S3-compatible bucket.
type S3Mirror struct {
	client *minio.Client
	bucket string
	prefix string
	log    *logging.Logger
}

// NewS3Mirror creates a mirror from config. Call EnsureBucket before use.
func NewS3Mirror(cfg *config.S3Config, log *logging.Logger) (*S3Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.Sub("s3"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *S3Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	m.log.Info().Str("bucket", m.bucket).Msg("created S3 bucket")
	return nil
}

// ObjectKey maps a media-relative path to the bucket key.
func (m *S3Mirror) ObjectKey(rel string) string {
	if m.prefix == "" {
		return rel
	}
	return path.Join(m.prefix, rel)
}

func (m *S3Mirror) Put(ctx context.Context, rel string, data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, m.ObjectKey(rel), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload media to S3: %w", err)
	}
	return nil
}
