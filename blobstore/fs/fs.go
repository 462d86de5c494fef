// Package fs stores blobs as files named by their pointer.
//
// Files are sharded into subdirectories by the last two characters of the
// pointer and written through a temporary file and rename, so a reader never
// sees a partially written blob.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/medkey/blobstore"
)

// Store implements blobstore.Store on a directory.
type Store struct {
	dir string
}

var _ blobstore.Store = (*Store)(nil)

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(pointer string) string {
	return filepath.Join(s.dir, pointer[len(pointer)-2:], pointer)
}

func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", blobstore.ErrEmptyBlob
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := blobstore.Pointer(data)
	if err != nil {
		return "", err
	}
	pointer := c.String()
	target := s.path(pointer)
	if _, err := os.Stat(target); err == nil {
		return pointer, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", fmt.Errorf("publishing blob: %w", err)
	}
	return pointer, nil
}

func (s *Store) Retrieve(ctx context.Context, pointer string) ([]byte, error) {
	c, err := blobstore.ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(c.String()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	if err := blobstore.Check(c, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Verify(ctx context.Context, pointer string) error {
	_, err := s.Retrieve(ctx, pointer)
	return err
}

func (s *Store) Exists(_ context.Context, pointer string) (bool, error) {
	c, err := blobstore.ParsePointer(pointer)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(c.String()))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
