// Package storage persists and resolves media blobs. The Service on top
// of the blob store is what node processors and the batch resolver use
// to turn result items into bytes or client-consumable URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore reads and writes raw blobs addressed by bucket and key.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// ErrBlobNotFound is returned when a bucket/key pair does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// FSStore is a filesystem-backed blob store: one directory per bucket.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(bucket, key string) (string, error) {
	p := filepath.Join(s.root, filepath.Clean(bucket), filepath.Clean(key))
	if !strings.HasPrefix(p, s.root) {
		return "", fmt.Errorf("storage: path escapes root: %s/%s", bucket, key)
	}
	return p, nil
}

func (s *FSStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage: create bucket dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("storage: write blob: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, bucket, key)
		}
		return nil, fmt.Errorf("storage: read blob: %w", err)
	}
	return data, nil
}

// Compile-time interface check.
var _ BlobStore = (*FSStore)(nil)
