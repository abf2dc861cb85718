package tle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/orbitsim/internal/metrics"
)

// Store holds the dataset runs select objects from. Readers never block;
// a refresh swaps the whole dataset at once.
type Store struct {
	current atomic.Pointer[Dataset]
	mu      sync.Mutex // serializes refreshes
	now     func() time.Time

	failures atomic.Int64 // consecutive failed refreshes
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Get returns the current dataset, or nil before the first load.
func (s *Store) Get() *Dataset {
	return s.current.Load()
}

// Set installs ds and updates the dataset gauges. A nil ds unloads the store.
func (s *Store) Set(ds *Dataset) {
	s.current.Store(ds)
	if ds == nil {
		metrics.SetTLEDatasetCount(0)
		return
	}
	metrics.SetTLEDatasetCount(len(ds.Entries))
	metrics.SetTLEDatasetAge(s.AgeSeconds())
}

// AgeSeconds returns the time since the current dataset was fetched, or -1
// when none is loaded.
func (s *Store) AgeSeconds() float64 {
	ds := s.current.Load()
	if ds == nil {
		return -1
	}
	return s.now().Sub(ds.FetchedAt).Seconds()
}

// Failures returns the number of refreshes that failed since the last
// successful one.
func (s *Store) Failures() int64 {
	return s.failures.Load()
}

// Refresh loads a dataset through loader and installs it. On error the
// current dataset stays in place.
func (s *Store) Refresh(ctx context.Context, loader *Loader, force bool) (*Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, err := loader.Load(ctx, force)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}
	s.failures.Store(0)
	s.Set(ds)
	return ds, nil
}

// Maintain keeps the store current until ctx is cancelled: the age gauge is
// updated every ageInterval and, when refreshInterval is positive, the
// dataset is reloaded every refreshInterval.
func (s *Store) Maintain(ctx context.Context, loader *Loader, refreshInterval, ageInterval time.Duration, logger *slog.Logger) {
	age := time.NewTicker(ageInterval)
	defer age.Stop()

	var refresh <-chan time.Time
	if refreshInterval > 0 {
		t := time.NewTicker(refreshInterval)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-age.C:
			if a := s.AgeSeconds(); a >= 0 {
				metrics.SetTLEDatasetAge(a)
			}
		case <-refresh:
			rctx, cancel := context.WithTimeout(ctx, time.Minute)
			ds, err := s.Refresh(rctx, loader, false)
			cancel()
			if err != nil {
				logger.Warn("periodic TLE refresh failed", "error", err, "consecutive_failures", s.Failures())
				continue
			}
			logger.Info("TLE dataset refreshed", "source", ds.Source, "count", len(ds.Entries))
		}
	}
}
