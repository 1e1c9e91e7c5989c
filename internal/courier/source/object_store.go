package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"courier/internal/courier/domain"
	"courier/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures access to a MinIO/S3 compatible store.
type ObjectStoreConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
}

// ObjectStore produces payloads backed by objects in one bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
}

// NewObjectStore creates a store client. Endpoint may be a bare host:port or a
// URL; an https scheme forces TLS.
func NewObjectStore(cfg ObjectStoreConfig, log *logger.Logger) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("object store credentials are required")
	}
	if log == nil {
		log = logger.Global()
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       useSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		logger: log.WithFields("component", "object-store", "bucket", cfg.Bucket),
	}, nil
}

// Payload stats the object and returns a payload that streams it on Open.
func (s *ObjectStore) Payload(ctx context.Context, key string) (*ObjectPayload, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat object %s/%s: %w", s.bucket, key, err)
	}

	s.logger.Debug("object resolved", "key", key, "size", info.Size, "contentType", info.ContentType)

	return &ObjectPayload{
		store:       s,
		key:         key,
		size:        info.Size,
		contentType: info.ContentType,
	}, nil
}

var _ domain.Payload = (*ObjectPayload)(nil)

// ObjectPayload streams one object from the store.
type ObjectPayload struct {
	store       *ObjectStore
	key         string
	size        int64
	contentType string
}

func (p *ObjectPayload) Open(ctx context.Context) (io.ReadCloser, error) {
	obj, err := p.store.client.GetObject(ctx, p.store.bucket, p.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", p.key, err)
	}
	return obj, nil
}

func (p *ObjectPayload) Size() int64 {
	return p.size
}

func (p *ObjectPayload) Name() string {
	return path.Base(p.key)
}

func (p *ObjectPayload) ContentType() string {
	return p.contentType
}
