package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FS stores blobs as files under a root directory, sharded by the first two
// hash characters to keep directories small.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

func (f *FS) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(f.root, hash)
	}
	return filepath.Join(f.root, hash[:2], hash[2:])
}

func (f *FS) Put(_ context.Context, data []byte) (string, error) {
	if len(data) > MaxBlobSize {
		return "", ErrTooLarge
	}
	hash := Hash(data)
	path := f.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil // idempotent
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return hash, nil
}

func (f *FS) Get(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(f.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
