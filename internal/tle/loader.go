package tle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Loader produces a Dataset from the disk cache when it is fresh enough and
// from the network otherwise. When a download fails, a stale cache is used
// rather than failing.
type Loader struct {
	fetcher *Fetcher
	cache   *Cache
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoader creates a Loader. fetcher may be nil to work from the cache only.
func NewLoader(fetcher *Fetcher, cache *Cache, maxAge time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		fetcher: fetcher,
		cache:   cache,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// Load returns a dataset. With force set, the cache freshness check is
// skipped and a download is attempted first. A cache that cannot be read or
// holds no valid entries is treated as absent.
func (l *Loader) Load(ctx context.Context, force bool) (*Dataset, error) {
	var cached *Dataset
	data, cachedAt, cacheErr := l.cache.LoadLatest()
	if cacheErr == nil {
		cached, cacheErr = l.parse(data, "cache", cachedAt)
	}
	if cacheErr != nil && !errors.Is(cacheErr, ErrNoCache) {
		l.logger.Warn("TLE cache unusable", "dir", l.cache.Dir(), "error", cacheErr)
	}

	if cached != nil && !force {
		age := l.now().Sub(cachedAt)
		if age < l.maxAge {
			l.logger.Info("using cached TLE data", "cached_at", cachedAt.Format(time.RFC3339), "age_seconds", int(age.Seconds()))
			return cached, nil
		}
		l.logger.Info("TLE cache expired", "cached_at", cachedAt.Format(time.RFC3339), "age_seconds", int(age.Seconds()))
	}

	if l.fetcher == nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("no TLE source: fetching disabled and %w", cacheErr)
	}

	ds, fetchErr := l.download(ctx)
	if fetchErr == nil {
		return ds, nil
	}
	if cached != nil {
		l.logger.Warn("TLE download failed, falling back to stale cache",
			"error", fetchErr,
			"cached_at", cachedAt.Format(time.RFC3339),
		)
		return cached, nil
	}
	return nil, fetchErr
}

func (l *Loader) download(ctx context.Context) (*Dataset, error) {
	data, err := l.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	ds, err := l.parse(data, l.fetcher.SourceURL(), now)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Write(data, now); err != nil {
		l.logger.Warn("writing TLE cache failed", "error", err)
	}
	l.logger.Info("downloaded TLE data", "source", l.fetcher.SourceURL(), "count", len(ds.Entries))
	return ds, nil
}

func (l *Loader) parse(data []byte, source string, at time.Time) (*Dataset, error) {
	entries, err := Parse(bytes.NewReader(data), l.logger)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("TLE data from %s contains no valid entries", source)
	}
	return NewDataset(source, at, entries), nil
}
