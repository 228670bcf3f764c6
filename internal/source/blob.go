// Package source retrieves the raw tract dataset from blob storage and
// exposes it as an indexable sequence of rows.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnavailable is returned when the source object cannot be retrieved.
var ErrUnavailable = errors.New("source unavailable")

// Blob is the storage collaborator the fetcher downloads from.
type Blob interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// DirBlob serves objects from a local directory.
type DirBlob struct {
	BaseDir string
}

func (d DirBlob) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path := filepath.Join(d.BaseDir, sanitizeKey(key))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// MemBlob serves objects from memory.
type MemBlob map[string][]byte

func (m MemBlob) Open(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, os.ErrNotExist)
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}
