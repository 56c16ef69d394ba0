// Package gcs mirrors stored artifacts to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/docharvest/internal/crawler"
)

// Config captures the bucket and object prefix for mirrored artifacts.
type Config struct {
	Bucket string
	Prefix string
}

type writerFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// BlobStore uploads artifacts to a configured bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	prefix    string
	newWriter writerFunc
}

// Open creates a client with Application Default Credentials and checks that
// the bucket is reachable, so a bad configuration fails before the crawl.
func Open(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfiguration, "create gcs client", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, crawler.NewError(crawler.KindConfiguration, "gcs bucket "+cfg.Bucket, err)
	}
	return New(client, cfg)
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	s, err := newStore(cfg, func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		return w
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

func newStore(cfg Config, newWriter writerFunc) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, crawler.NewError(crawler.KindConfiguration, "gcs mirror", errors.New("bucket name is required"))
	}
	return &BlobStore{
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		newWriter: newWriter,
	}, nil
}

// PutObject uploads data under the configured prefix and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is required")
	}
	object := strings.TrimPrefix(path.Join(s.prefix, name), "/")
	writer := s.newWriter(ctx, s.bucket, object, contentType)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", crawler.NewError(crawler.KindNetwork, "upload object", fmt.Errorf("copy: %w (close writer: %v)", err, closeErr))
		}
		return "", crawler.NewError(crawler.KindNetwork, "upload object", err)
	}
	if err := writer.Close(); err != nil {
		return "", crawler.NewError(crawler.KindNetwork, "upload object", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the client when Open created it.
func (s *BlobStore) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
