package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore is the object-storage surface the training pipeline needs.
type BlobStore interface {
	Upload(ctx context.Context, bucket, object string, data []byte, contentType string, overwrite bool) error
	Download(ctx context.Context, bucket, object string) ([]byte, error)
	PublicURL(bucket, object string) string
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string // base for public object URLs; derived from Endpoint when empty
}

// MinIOClient implements BlobStore against a MinIO/S3 endpoint.
type MinIOClient struct {
	client        *minio.Client
	publicBaseURL string
	logger        *logrus.Logger
}

// NewMinIOClient creates a MinIO client with explicit configuration
func NewMinIOClient(cfg MinIOConfig, logger *logrus.Logger) (*MinIOClient, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	return &MinIOClient{
		client:        minioClient,
		publicBaseURL: strings.TrimRight(base, "/"),
		logger:        logger,
	}, nil
}

// EnsureBucket creates a bucket if it doesn't exist
func (m *MinIOClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		m.logger.WithField("bucket", bucket).Info("creating bucket")
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Upload stores data under bucket/object. With overwrite disabled an
// existing object is an error rather than a silent replacement.
func (m *MinIOClient) Upload(ctx context.Context, bucket, object string, data []byte, contentType string, overwrite bool) error {
	if err := m.EnsureBucket(ctx, bucket); err != nil {
		return err
	}

	if !overwrite {
		if _, err := m.client.StatObject(ctx, bucket, object, minio.StatObjectOptions{}); err == nil {
			return fmt.Errorf("object %s/%s already exists", bucket, object)
		}
	}

	info, err := m.client.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"object": object,
		"size":   info.Size,
	}).Info("object uploaded")
	return nil
}

// Download retrieves bucket/object into memory.
func (m *MinIOClient) Download(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, object)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// PublicURL computes the public address of bucket/object.
func (m *MinIOClient) PublicURL(bucket, object string) string {
	return fmt.Sprintf("%s/%s/%s", m.publicBaseURL, bucket, object)
}
