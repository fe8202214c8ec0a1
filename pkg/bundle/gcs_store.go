//go:build gcp

package bundle

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchiveStore persists archives in a GCS bucket under
// "<prefix><runID>.tar.gz". Built only with the gcp tag.
type GCSArchiveStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveStoreConfig holds bucket settings; credentials come from ADC.
type GCSArchiveStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchiveStore builds a store from application default credentials.
func NewGCSArchiveStore(ctx context.Context, cfg GCSArchiveStoreConfig) (*GCSArchiveStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: create GCS client: %w", err)
	}
	return &GCSArchiveStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSArchiveStore) object(runID string) string {
	return s.prefix + runID + ".tar.gz"
}

func (s *GCSArchiveStore) Put(ctx context.Context, runID string, archive []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.object(runID)).NewWriter(ctx)
	w.ContentType = "application/gzip"
	if _, err := w.Write(archive); err != nil {
		_ = w.Close()
		return fmt.Errorf("bundle: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bundle: gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSArchiveStore) Get(ctx context.Context, runID string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object(runID)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: gcs get failed for %s: %w", runID, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

// Close releases the underlying client.
func (s *GCSArchiveStore) Close() error {
	return s.client.Close()
}
