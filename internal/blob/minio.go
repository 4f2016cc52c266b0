// Package blob stores uploaded presentation sources (PPTX files) in an
// S3-compatible object store.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const pptxContentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{client: client, bucket: bucket}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return s, nil
}

// PutSource stores the original PPTX for a presentation and returns the
// object key recorded on the presentation row.
func (s *Store) PutSource(ctx context.Context, presentationID string, r io.Reader, size int64) (string, error) {
	key := sourceKey(presentationID)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: pptxContentType,
	})
	if err != nil {
		return "", fmt.Errorf("store source %s: %w", key, err)
	}
	return key, nil
}

// GetSource streams a stored PPTX. The caller must close the reader.
func (s *Store) GetSource(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch source %s: %w", key, err)
	}
	// GetObject defers errors to the first read; stat now so missing
	// objects surface here instead of mid-stream.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat source %s: %w", key, err)
	}
	return obj, nil
}

// DeleteSource removes a stored PPTX.
func (s *Store) DeleteSource(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete source %s: %w", key, err)
	}
	return nil
}

func sourceKey(presentationID string) string {
	return fmt.Sprintf("sources/%s.pptx", presentationID)
}
