// Package blob stores content-addressed binary assets: user textures,
// comments, and channel descriptions. Keys are the SHA-1 of the content, so
// writes are idempotent and references never dangle after a rewrite.
package blob

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

var (
	ErrNotFound = errors.New("blob: not found")
	ErrTooLarge = errors.New("blob: exceeds size limit")
)

// MaxBlobSize caps a single stored asset.
const MaxBlobSize = 8 * 1024 * 1024

// Store is the content-addressed blob interface.
type Store interface {
	// Put stores data and returns its hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob for hash, or ErrNotFound.
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
