package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// FileStore keeps one file per key inside a directory. Writes go to a temp
// file that is then renamed over the target, so readers never observe a
// half-written snapshot.
type FileStore struct {
	dir string
}

var _ Blobs = (*FileStore)(nil)

// OpenFile returns a FileStore rooted at dir, creating it if needed.
func OpenFile(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: file store dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// pathFor maps key onto a file name that cannot escape dir.
func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key))
}

// Get reads the file for key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Put writes data atomically (write to temp file, rename).
func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	path := s.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename to %s: %w", path, err)
	}
	return nil
}

// Delete removes the file for key.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }
