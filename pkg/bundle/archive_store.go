package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveStore persists packed bundles keyed by run ID.
type ArchiveStore interface {
	Put(ctx context.Context, runID string, archive []byte) error
	Get(ctx context.Context, runID string) ([]byte, error)
}

// MemoryArchiveStore keeps archives in process memory.
type MemoryArchiveStore struct {
	mu       sync.RWMutex
	archives map[string][]byte
}

// NewMemoryArchiveStore creates an empty in-memory archive store.
func NewMemoryArchiveStore() *MemoryArchiveStore {
	return &MemoryArchiveStore{archives: make(map[string][]byte)}
}

func (s *MemoryArchiveStore) Put(_ context.Context, runID string, archive []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[runID] = append([]byte{}, archive...)
	return nil
}

func (s *MemoryArchiveStore) Get(_ context.Context, runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	archive, ok := s.archives[runID]
	if !ok {
		return nil, fmt.Errorf("bundle: no archive for run %s", runID)
	}
	return append([]byte{}, archive...), nil
}

// S3ArchiveStore persists archives in an S3 bucket under
// "<prefix><runID>.tar.gz".
type S3ArchiveStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveStoreConfig holds connection settings. Endpoint supports
// S3-compatible services such as MinIO.
type S3ArchiveStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3ArchiveStore builds a store from the ambient AWS config.
func NewS3ArchiveStore(ctx context.Context, cfg S3ArchiveStoreConfig) (*S3ArchiveStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bundle: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ArchiveStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3ArchiveStore) key(runID string) string {
	return s.prefix + runID + ".tar.gz"
}

func (s *S3ArchiveStore) Put(ctx context.Context, runID string, archive []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(runID)),
		Body:        bytes.NewReader(archive),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("bundle: s3 put failed: %w", err)
	}
	return nil
}

func (s *S3ArchiveStore) Get(ctx context.Context, runID string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(runID)),
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: s3 get failed for %s: %w", runID, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

// Archive packs the bundle at dir and persists it under runID.
func Archive(ctx context.Context, store ArchiveStore, runID, dir string) error {
	archive, err := Pack(dir)
	if err != nil {
		return err
	}
	return store.Put(ctx, runID, archive)
}

// Restore fetches a stored archive and unpacks it into dir.
func Restore(ctx context.Context, store ArchiveStore, runID, dir string) error {
	archive, err := store.Get(ctx, runID)
	if err != nil {
		return err
	}
	return Unpack(archive, dir)
}
