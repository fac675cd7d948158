package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// ObjectStore persists file blobs under a storage key. The default
// implementation is a content-addressed directory tree; a cloud bucket can
// substitute behind the same interface.
type ObjectStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)
}

// DiskStore stores blobs under root, fanned out by the first two characters
// of the key to keep directories small.
type DiskStore struct {
	root string
}

// NewDiskStore creates the storage root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create file storage dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) pathFor(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.root, key)
	}
	return filepath.Join(s.root, key[:2], key)
}

// Put writes the blob. Writes go through a temp file and rename so a
// partially written blob is never observable under its key.
func (s *DiskStore) Put(key string, data []byte) error {
	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close blob: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Get reads the blob for key.
func (s *DiskStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob; missing blobs are not an error.
func (s *DiskStore) Delete(key string) error {
	err := os.Remove(s.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the blob is present on disk.
func (s *DiskStore) Exists(key string) (bool, error) {
	_, err := os.Stat(s.pathFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
