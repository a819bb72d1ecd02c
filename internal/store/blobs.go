package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is the content-addressed attachment store: blobs land at
// <root>/<first two hex>/<full sha256>. Identical content is stored once.
type BlobStore struct {
	root string
}

// NewBlobStore creates the root directory if needed.
func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// Put streams r into the store and returns the blob's path. The write goes
// through a temp file and rename so a crash never leaves a partial blob at
// a content address.
func (b *BlobStore) Put(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(b.root, "blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp blob: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	dir := filepath.Join(b.root, sum[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	dst := filepath.Join(dir, sum)

	if _, err := os.Stat(dst); err == nil {
		return dst, nil // already stored
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return dst, nil
}

// Open returns a reader for a stored blob path.
func (b *BlobStore) Open(path string) (io.ReadCloser, error) {
	rel, err := filepath.Rel(b.root, path)
	if err != nil || filepath.IsAbs(rel) || rel == ".." || len(rel) > 0 && rel[0] == '.' {
		return nil, fmt.Errorf("blob path outside store: %s", path)
	}
	return os.Open(path)
}
