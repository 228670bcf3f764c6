package source

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Loader returns the parsed dataset for a job. With a cache it keeps one
// parsed file per job id for the job's lifetime; without one it
// re-downloads and re-parses on every call. Chunk boundaries are the same
// either way since they depend only on row order.
type Loader struct {
	fetcher *Fetcher
	opts    ParseOptions
	cache   *lru.Cache[string, *Dataset]
}

// NewLoader builds a loader; cacheSize <= 0 disables caching.
func NewLoader(fetcher *Fetcher, opts ParseOptions, cacheSize int) (*Loader, error) {
	l := &Loader{fetcher: fetcher, opts: opts}
	if cacheSize > 0 {
		c, err := lru.New[string, *Dataset](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("dataset cache: %w", err)
		}
		l.cache = c
	}
	return l, nil
}

// Inspect downloads and parses key without caching it. Start uses it to
// validate the header and count rows before a job id exists.
func (l *Loader) Inspect(ctx context.Context, key string) (*Dataset, error) {
	raw, err := l.fetcher.FetchRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	return Parse(raw, l.opts)
}

// Remember caches an already parsed dataset under jobID.
func (l *Loader) Remember(jobID string, ds *Dataset) {
	if l.cache != nil && ds != nil {
		l.cache.Add(jobID, ds)
	}
}

// Load returns the dataset backing jobID, fetching key when not cached.
func (l *Loader) Load(ctx context.Context, jobID, key string) (*Dataset, error) {
	if l.cache != nil {
		if ds, ok := l.cache.Get(jobID); ok {
			return ds, nil
		}
	}
	raw, err := l.fetcher.FetchRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	ds, err := Parse(raw, l.opts)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Add(jobID, ds)
	}
	return ds, nil
}

// Forget drops the cached dataset of a job.
func (l *Loader) Forget(jobID string) {
	if l.cache != nil {
		l.cache.Remove(jobID)
	}
}

// Purge drops every cached dataset.
func (l *Loader) Purge() {
	if l.cache != nil {
		l.cache.Purge()
	}
}

// Cached reports whether jobID has a parsed dataset in memory.
func (l *Loader) Cached(jobID string) bool {
	return l.cache != nil && l.cache.Contains(jobID)
}
