package tle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/orbitsim/internal/metrics"
)

const (
	// DefaultSourceURL is the CelesTrak active-satellites catalog.
	DefaultSourceURL = "https://celestrak.org/NORAD/elements/gp.php?GROUP=active&FORMAT=tle"

	maxBodyBytes = 50 << 20
	userAgent    = "orbitsim/1 (+tle-loader)"
)

// errTransient marks failures worth one more attempt: transport errors and
// 5xx responses. Anything else is returned as-is.
var errTransient = errors.New("transient")

// Fetcher downloads element sets. The primary source must succeed; extra
// sources are appended when they respond and skipped otherwise.
type Fetcher struct {
	primary    string
	extras     []string
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. An empty sourceURL selects DefaultSourceURL.
func NewFetcher(sourceURL string, logger *slog.Logger, extraURLs ...string) *Fetcher {
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	return &Fetcher{
		primary:    sourceURL,
		extras:     extraURLs,
		client:     &http.Client{Timeout: 30 * time.Second},
		attempts:   2,
		retryDelay: 2 * time.Second,
		logger:     logger,
	}
}

// SourceURL returns the primary source.
func (f *Fetcher) SourceURL() string {
	return f.primary
}

// Fetch returns the primary body followed by every reachable extra body,
// each starting on its own line.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	body, err := f.download(ctx, "primary", f.primary)
	if err != nil {
		return nil, err
	}

	out := bytes.NewBuffer(body)
	for _, u := range f.extras {
		extra, err := f.download(ctx, "extra", u)
		if err != nil {
			f.logger.Warn("extra TLE source failed, skipping", "url", u, "error", err)
			continue
		}
		if b := out.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
			out.WriteByte('\n')
		}
		out.Write(extra)
	}
	return out.Bytes(), nil
}

// download fetches url, retrying transient failures up to f.attempts times.
func (f *Fetcher) download(ctx context.Context, kind, url string) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		var body []byte
		body, err = f.get(ctx, url)
		if err == nil {
			metrics.IncTLEFetch(kind, "ok")
			return body, nil
		}
		if !errors.Is(err, errTransient) || attempt == f.attempts {
			break
		}

		metrics.IncTLEFetch(kind, "retry")
		f.logger.Info("retrying TLE download", "url", url, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.retryDelay):
		}
	}
	metrics.IncTLEFetch(kind, "error")
	return nil, err
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building TLE request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: fetching %s: %w", errTransient, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d from %s", errTransient, resp.StatusCode, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading TLE response: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", url, maxBodyBytes)
	}
	return body, nil
}
