// Package blobstore reads and writes uploaded import files by URI.
// gs:// URIs go to Google Cloud Storage; file:// URIs and bare paths go to
// the local filesystem.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// StorageService provides an interface for blob storage operations.
// This interface enables mocking and testing of storage functionality.
type StorageService interface {
	// Fetch downloads the bytes at uri.
	Fetch(ctx context.Context, uri string) ([]byte, error)

	// Upload writes r to uri, replacing any existing object.
	Upload(ctx context.Context, uri string, r io.Reader) error
}

// Router picks a backend by URI scheme.
type Router struct {
	GCS   StorageService
	Local StorageService
}

// NewRouter builds a router. gcs may be nil when cloud storage is not configured.
func NewRouter(gcs StorageService, local StorageService) *Router {
	return &Router{GCS: gcs, Local: local}
}

func (r *Router) pick(uri string) (StorageService, error) {
	if strings.HasPrefix(uri, "gs://") {
		if r.GCS == nil {
			return nil, fmt.Errorf("no cloud storage configured for %s", uri)
		}
		return r.GCS, nil
	}
	if r.Local == nil {
		return nil, fmt.Errorf("no local storage configured for %s", uri)
	}
	return r.Local, nil
}

// Fetch implements StorageService.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, error) {
	s, err := r.pick(uri)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, uri)
}

// Upload implements StorageService.
func (r *Router) Upload(ctx context.Context, uri string, rd io.Reader) error {
	s, err := r.pick(uri)
	if err != nil {
		return err
	}
	return s.Upload(ctx, uri, rd)
}

// SplitGCSURI splits "gs://bucket/path/to/file.csv" into bucket and object.
func SplitGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// FileName extracts the file name from a URI.
// e.g., "gs://bucket/folder/file.csv" → "file.csv"
func FileName(uri string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(uri, "gs://"), "file://")
	if strings.HasPrefix(uri, "gs://") {
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) < 2 {
			return trimmed
		}
		trimmed = parts[1]
	}
	return path.Base(trimmed)
}

// ObjectName builds the storage key for a user's upload.
func ObjectName(userID, fileName string) string {
	return path.Join("imports", userID, path.Base(fileName))
}
