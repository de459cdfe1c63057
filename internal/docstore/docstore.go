// Package docstore keeps rendered contract documents.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/model"
)

// Document is a stored file.
type Document struct {
	Content     []byte
	ContentType string
}

// Store puts and gets documents by key.
type Store interface {
	Put(ctx context.Context, key string, doc Document) error
	// Get returns NOT_FOUND when the key does not exist.
	Get(ctx context.Context, key string) (Document, error)
	Ping(ctx context.Context) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

// Put stores a copy of doc under key, replacing any previous document.
func (m *Memory) Put(_ context.Context, key string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = Document{Content: bytes.Clone(doc.Content), ContentType: doc.ContentType}
	return nil
}

// Get returns a copy of the document under key.
func (m *Memory) Get(_ context.Context, key string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return Document{}, model.NewNotFoundError(fmt.Sprintf("document %s not found", key))
	}
	return Document{Content: bytes.Clone(doc.Content), ContentType: doc.ContentType}, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Minio stores documents in an S3-compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinio creates a client for cfg. Credentials are read from the
// environment variables the config names.
func NewMinio(cfg config.DocumentsConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Secret(cfg.AccessKeyEnv), config.Secret(cfg.SecretKeyEnv), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: create minio client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("docstore: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("docstore: create bucket: %w", err)
	}
	return nil
}

func (s *Minio) Put(ctx context.Context, key string, doc Document) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(doc.Content), int64(len(doc.Content)),
		minio.PutObjectOptions{ContentType: doc.ContentType})
	if err != nil {
		return fmt.Errorf("docstore: put %s: %w", key, err)
	}
	return nil
}

func (s *Minio) Get(ctx context.Context, key string) (Document, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Document{}, s.mapError(key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return Document{}, s.mapError(key, err)
	}
	content, err := io.ReadAll(obj)
	if err != nil {
		return Document{}, s.mapError(key, err)
	}
	return Document{Content: content, ContentType: info.ContentType}, nil
}

func (s *Minio) mapError(key string, err error) error {
	if isNotFound(err) {
		return model.NewNotFoundError(fmt.Sprintf("document %s not found", key)).WithCause(err)
	}
	return fmt.Errorf("docstore: get %s: %w", key, err)
}

func (s *Minio) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return errors.New("bucket " + s.bucket + " does not exist")
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
