package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// GCSStorageService is the StorageService backed by Google Cloud Storage.
// It assumes Application Default Credentials are configured.
type GCSStorageService struct {
	client        *storage.Client
	uploadTimeout time.Duration
}

// NewGCSStorageService creates a new instance of GCSStorageService.
func NewGCSStorageService(ctx context.Context) (*GCSStorageService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStorageService{client: client, uploadTimeout: 2 * time.Minute}, nil
}

// Close releases the underlying client.
func (s *GCSStorageService) Close() error {
	return s.client.Close()
}

// Fetch downloads the object at a gs:// URI. A missing object is a
// validation failure; anything else is worth retrying.
func (s *GCSStorageService) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := SplitGCSURI(uri)
	if err != nil {
		return nil, domain.NewValidationError("sourceLocation", err.Error())
	}

	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, domain.NewValidationError("sourceLocation", fmt.Sprintf("%s does not exist", uri))
	}
	if err != nil {
		return nil, domain.Transient("fetch "+uri, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.Transient("read "+uri, err)
	}
	return data, nil
}

// Upload writes r to a gs:// URI.
func (s *GCSStorageService) Upload(ctx context.Context, uri string, r io.Reader) error {
	bucket, object, err := SplitGCSURI(uri)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/csv"
	defer func() {
		// Ensure the writer is closed even on early returns
		_ = w.Close()
	}()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copy to GCS writer: %w", err)
	}

	// Close to finalize the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}
