package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore keeps harvested and published result files in MinIO.
type MinioStore struct {
	client  *minio.Client
	region  string
	buckets []string
}

func NewMinioStore(cfg Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport, err := minio.DefaultTransport(cfg.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("minio transport: %w", err)
	}
	// Result files can be large; only the response headers are bounded.
	transport.ResponseHeaderTimeout = 30 * time.Second
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{
		client:  client,
		region:  cfg.Region,
		buckets: []string{cfg.BucketResults, cfg.BucketPublished},
	}, nil
}

// EnsureBuckets creates the results and published buckets when missing.
func (s *MinioStore) EnsureBuckets(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrNotInitialized
	}
	for _, bucket := range s.buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Ping reports whether the results bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrNotInitialized
	}
	exists, err := s.client.BucketExists(ctx, s.buckets[0])
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s is missing", s.buckets[0])
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, obj Object, body io.Reader) error {
	if s == nil || s.client == nil {
		return ErrNotInitialized
	}
	opts := minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	}
	if _, err := s.client.PutObject(ctx, obj.Bucket, obj.Key, body, obj.Size, opts); err != nil {
		return err
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotInitialized
	}
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, err
	}
	return s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

var ErrNotInitialized = errors.New("object store not initialized")
