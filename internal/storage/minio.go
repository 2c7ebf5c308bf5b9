package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore stores blobs in an S3-compatible bucket.
type MinioStore struct {
	cfg MinioConfig

	once       sync.Once
	cli        *minio.Client
	initErr    error
	bucketMu   sync.Mutex
	bucketMade bool
}

func NewMinioStore(cfg MinioConfig) *MinioStore {
	return &MinioStore{cfg: cfg}
}

func (m *MinioStore) client() (*minio.Client, error) {
	m.once.Do(func() {
		m.cli, m.initErr = minio.New(m.cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(m.cfg.AccessKey, m.cfg.SecretKey, ""),
			Secure: m.cfg.UseSSL,
		})
	})
	return m.cli, m.initErr
}

func (m *MinioStore) ensureBucket(ctx context.Context, cli *minio.Client) error {
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()
	if m.bucketMade {
		return nil
	}

	exists, err := cli.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	m.bucketMade = true
	return nil
}

// Put uploads the object; size -1 streams with unknown length
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	cli, err := m.client()
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}
	if err := m.ensureBucket(ctx, cli); err != nil {
		return err
	}
	_, err = cli.PutObject(ctx, m.cfg.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Get fetches the object. A missing key maps to ErrNotFound
func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	cli, err := m.client()
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	obj, err := cli.GetObject(ctx, m.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return obj, nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	cli, err := m.client()
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}
	if err := cli.RemoveObject(ctx, m.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
