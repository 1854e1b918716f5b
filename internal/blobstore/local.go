package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// LocalStorageService stores blobs on the local filesystem. Relative paths
// resolve under Root.
type LocalStorageService struct {
	Root string
}

// NewLocalStorageService creates a local store rooted at root.
func NewLocalStorageService(root string) *LocalStorageService {
	return &LocalStorageService{Root: root}
}

func (s *LocalStorageService) path(uri string) string {
	p := strings.TrimPrefix(uri, "file://")
	if filepath.IsAbs(p) || s.Root == "" {
		return p
	}
	return filepath.Join(s.Root, p)
}

// URI returns the file:// URI for a relative object name.
func (s *LocalStorageService) URI(object string) string {
	return "file://" + s.path(object)
}

// Fetch implements StorageService.
func (s *LocalStorageService) Fetch(_ context.Context, uri string) ([]byte, error) {
	data, err := os.ReadFile(s.path(uri))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NewValidationError("sourceLocation", fmt.Sprintf("%s does not exist", uri))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}

// Upload implements StorageService.
func (s *LocalStorageService) Upload(_ context.Context, uri string, r io.Reader) error {
	p := s.path(uri)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", uri, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("create %s: %w", uri, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", uri, err)
	}
	return f.Close()
}
