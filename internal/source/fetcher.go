package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const defaultMaxBytes int64 = 512 * 1024 * 1024

// Fetcher downloads the full source object on every call.
type Fetcher struct {
	blob     Blob
	maxBytes int64
	timeout  time.Duration
}

// NewFetcher wraps a blob store. Zero maxBytes or timeout select defaults
// (512 MiB, no timeout beyond the caller's context).
func NewFetcher(blob Blob, maxBytes int64, timeout time.Duration) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{blob: blob, maxBytes: maxBytes, timeout: timeout}
}

// FetchRaw returns the object body. Every failure wraps ErrUnavailable;
// a timeout additionally wraps context.DeadlineExceeded.
func (f *Fetcher) FetchRaw(ctx context.Context, key string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	rc, err := f.blob.Open(ctx, key)
	if err != nil {
		return nil, unavailable(key, err)
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, f.maxBytes+1))
	if err != nil {
		return nil, unavailable(key, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s larger than %d bytes", ErrUnavailable, key, f.maxBytes)
	}
	return body, nil
}

func unavailable(key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: fetch %s: %w", ErrUnavailable, key, err)
	}
	return fmt.Errorf("%w: fetch %s: %v", ErrUnavailable, key, err)
}
