package blobstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStore writes blobs into a directory served at PublicPrefix.
type LocalStore struct {
	dir          string
	publicPrefix string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, publicPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create upload dir: %w", err)
	}
	if publicPrefix == "" {
		publicPrefix = "/uploads"
	}
	return &LocalStore{dir: dir, publicPrefix: "/" + strings.Trim(publicPrefix, "/")}, nil
}

// Dir is the directory blobs are written to.
func (s *LocalStore) Dir() string { return s.dir }

// PublicPrefix is the URL path blobs are served under.
func (s *LocalStore) PublicPrefix() string { return s.publicPrefix }

// Save implements Store.
func (s *LocalStore) Save(ctx context.Context, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := ObjectName(filename, data)
	target := filepath.Join(s.dir, name)

	// O_EXCL keeps a name collision from overwriting an earlier upload.
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("blobstore: create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("blobstore: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("blobstore: close %s: %w", name, err)
	}
	return path.Join(s.publicPrefix, name), nil
}
