package tle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrNoCache is returned by LoadLatest when the cache holds no snapshots.
var ErrNoCache = errors.New("no cache files found")

const (
	snapshotPrefix = "tle_"
	// Snapshots are written zstd-compressed; plain text snapshots from older
	// deployments are still read.
	compressedSuffix = ".txt.zst"
	plainSuffix      = ".txt"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*maxBodyBytes))
	})
	return encoder, decoder, codecErr
}

// Cache keeps downloaded catalogs on disk as timestamped snapshots
// (tle_<unix>.txt.zst). Only the newest maxFiles snapshots are retained.
type Cache struct {
	dir      string
	maxFiles int
}

// NewCache creates a Cache in dir. maxFiles <= 0 keeps five snapshots.
func NewCache(dir string, maxFiles int) *Cache {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Cache{dir: dir, maxFiles: maxFiles}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Write stores data as the snapshot taken at ts, then prunes old snapshots.
func (c *Cache) Write(data []byte, ts time.Time) error {
	enc, _, err := codec()
	if err != nil {
		return fmt.Errorf("initializing zstd: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	path := filepath.Join(c.dir, snapshotPrefix+strconv.FormatInt(ts.Unix(), 10)+compressedSuffix)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, enc.EncodeAll(data, nil), 0o644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing cache file: %w", err)
	}
	return c.prune()
}

// LoadLatest returns the newest readable snapshot and the time it was taken.
// Unreadable snapshots are skipped in favor of older ones; the errors are
// returned only when none can be read.
func (c *Cache) LoadLatest() ([]byte, time.Time, error) {
	snaps, err := c.snapshots()
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(snaps) == 0 {
		return nil, time.Time{}, ErrNoCache
	}

	var errs []error
	for _, s := range slices.Backward(snaps) {
		data, err := c.read(s)
		if err == nil {
			return data, s.taken, nil
		}
		errs = append(errs, err)
	}
	return nil, time.Time{}, errors.Join(errs...)
}

func (c *Cache) read(s snapshot) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, s.name))
	if err != nil {
		return nil, fmt.Errorf("reading cache file: %w", err)
	}
	if !s.compressed {
		return raw, nil
	}

	_, dec, err := codec()
	if err != nil {
		return nil, fmt.Errorf("initializing zstd: %w", err)
	}
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", s.name, err)
	}
	return data, nil
}

type snapshot struct {
	name       string
	taken      time.Time
	compressed bool
}

// parseSnapshot extracts the timestamp from a snapshot file name.
func parseSnapshot(name string) (snapshot, bool) {
	rest, ok := strings.CutPrefix(name, snapshotPrefix)
	if !ok {
		return snapshot{}, false
	}
	s := snapshot{name: name}
	if ts, ok := strings.CutSuffix(rest, compressedSuffix); ok {
		rest, s.compressed = ts, true
	} else if ts, ok := strings.CutSuffix(rest, plainSuffix); ok {
		rest = ts
	} else {
		return snapshot{}, false
	}
	unix, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return snapshot{}, false
	}
	s.taken = time.Unix(unix, 0)
	return s, true
}

// snapshots lists snapshots oldest first. A missing directory is empty.
func (c *Cache) snapshots() ([]snapshot, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing cache dir: %w", err)
	}

	var out []snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s, ok := parseSnapshot(e.Name()); ok {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b snapshot) int {
		return a.taken.Compare(b.taken)
	})
	return out, nil
}

func (c *Cache) prune() error {
	snaps, err := c.snapshots()
	if err != nil {
		return err
	}
	if len(snaps) <= c.maxFiles {
		return nil
	}
	for _, s := range snaps[:len(snaps)-c.maxFiles] {
		if err := os.Remove(filepath.Join(c.dir, s.name)); err != nil {
			return fmt.Errorf("pruning cache file %s: %w", s.name, err)
		}
	}
	return nil
}
