// Package config loads service configuration. Values are layered: built-in
// defaults, then an optional YAML file, then ORBITSIM_* environment variables.
//
// Malformed environment values are logged and the previous value is kept,
// except for auth settings, where a bad value is an error.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/star/orbitsim/internal/api"
	"github.com/star/orbitsim/internal/auth"
	"github.com/star/orbitsim/internal/physics"
	"github.com/star/orbitsim/internal/propagation"
	"github.com/star/orbitsim/internal/runs"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/stream"
	"github.com/star/orbitsim/internal/tle"
	"github.com/star/orbitsim/internal/validation"
)

// Config is the complete service configuration.
type Config struct {
	HTTP       HTTP        `yaml:"http"`
	Auth       auth.Config `yaml:"auth"`
	TLE        TLE         `yaml:"tle"`
	Simulation Simulation  `yaml:"simulation"`
	Runs       Runs        `yaml:"runs"`
	Stream     Stream      `yaml:"stream"`
}

// HTTP configures the API listener and per-request limits.
type HTTP struct {
	Addr            string        `yaml:"addr"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxObjects      int           `yaml:"max_objects"`
	MaxStates       int           `yaml:"max_states"`
	MaxWorkers      int           `yaml:"max_workers"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	SubmitRate      float64       `yaml:"submit_rate"`
	SubmitBurst     int           `yaml:"submit_burst"`
}

// TLE configures where element sets come from and how they are cached.
type TLE struct {
	EnableFetch     bool          `yaml:"enable_fetch"`
	SourceURL       string        `yaml:"source_url"`
	ExtraURLs       []string      `yaml:"extra_urls"`
	CacheDir        string        `yaml:"cache_dir"`
	MaxFiles        int           `yaml:"max_files"`
	MaxAge          time.Duration `yaml:"max_age"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // zero disables periodic refresh
}

// Simulation holds the defaults applied to runs that do not override them.
type Simulation struct {
	StepSeconds      float64            `yaml:"step_seconds"`
	DurationSeconds  float64            `yaml:"duration_seconds"`
	Workers          int                `yaml:"workers"`
	Timeout          time.Duration      `yaml:"timeout"`
	Constants        physics.Constants  `yaml:"constants"`
	J2               bool               `yaml:"j2"`
	Validate         bool               `yaml:"validate"`
	Alignment        validation.Options `yaml:"alignment"`
	ReferenceCadence time.Duration      `yaml:"reference_cadence"`
	Target           validation.Target  `yaml:"target"`
}

// Runs configures the run registry.
type Runs struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxEntries    int           `yaml:"max_entries"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Stream configures run event streams.
type Stream struct {
	MaxConcurrentPerIP int           `yaml:"max_concurrent_per_ip"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	limits := api.DefaultLimits()
	sim := simulation.DefaultConfig()
	rc := runs.DefaultConfig()
	sc := stream.DefaultConfig()

	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
			MaxObjects:      limits.MaxObjects,
			MaxStates:       limits.MaxStates,
			MaxWorkers:      limits.MaxWorkers,
			MaxBodyBytes:    limits.MaxBodyBytes,
			SubmitRate:      limits.SubmitRate,
			SubmitBurst:     limits.SubmitBurst,
		},
		TLE: TLE{
			EnableFetch: true,
			SourceURL:   tle.DefaultSourceURL,
			ExtraURLs: []string{
				// ISS (NORAD 25544), a well-documented reference object.
				"https://celestrak.org/NORAD/elements/gp.php?CATNR=25544&FORMAT=tle",
			},
			CacheDir:        "/tmp/orbitsim/tle",
			MaxFiles:        5,
			MaxAge:          24 * time.Hour,
			RefreshInterval: 6 * time.Hour,
		},
		Simulation: Simulation{
			StepSeconds:      sim.Propagation.StepSeconds,
			DurationSeconds:  sim.Propagation.DurationSeconds,
			Workers:          sim.Propagation.Workers,
			Timeout:          5 * time.Minute,
			Constants:        sim.Constants,
			J2:               true,
			Validate:         sim.ValidateReference,
			Alignment:        sim.Alignment,
			ReferenceCadence: sim.ReferenceCadence,
			Target:           sim.Target,
		},
		Runs: Runs{
			MaxConcurrent: rc.MaxConcurrent,
			MaxEntries:    rc.MaxEntries,
			Retention:     rc.Retention,
			SweepInterval: rc.SweepInterval,
		},
		Stream: Stream{
			MaxConcurrentPerIP: sc.MaxConcurrentPerIP,
			MaxConcurrent:      sc.MaxConcurrent,
			PollInterval:       sc.PollInterval,
			KeepaliveInterval:  sc.KeepaliveInterval,
		},
	}
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(input []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
		logger.Info("config file loaded", "path", path)
	}

	if err := cfg.applyEnv(logger); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be positive, got %v", c.HTTP.ShutdownTimeout)
	}
	if c.HTTP.MaxObjects <= 0 || c.HTTP.MaxStates <= 0 || c.HTTP.MaxWorkers <= 0 || c.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http limits must be positive")
	}
	if c.HTTP.SubmitRate <= 0 || c.HTTP.SubmitBurst <= 0 {
		return fmt.Errorf("http.submit_rate and http.submit_burst must be positive, got %v and %d",
			c.HTTP.SubmitRate, c.HTTP.SubmitBurst)
	}
	if c.Auth.Enabled && !c.Auth.HasToken() {
		return errors.New("auth.token or auth.tokens is required when auth is enabled")
	}
	if c.TLE.CacheDir == "" {
		return errors.New("tle.cache_dir is required")
	}
	if c.TLE.MaxAge <= 0 {
		return fmt.Errorf("tle.max_age must be positive, got %v", c.TLE.MaxAge)
	}
	if c.TLE.RefreshInterval < 0 {
		return fmt.Errorf("tle.refresh_interval must not be negative, got %v", c.TLE.RefreshInterval)
	}
	if err := c.SimulationConfig().Validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	if err := c.RunsConfig().Validate(); err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	if c.Stream.MaxConcurrentPerIP <= 0 || c.Stream.MaxConcurrent < c.Stream.MaxConcurrentPerIP {
		return fmt.Errorf("stream limits invalid: per_ip=%d total=%d", c.Stream.MaxConcurrentPerIP, c.Stream.MaxConcurrent)
	}
	if c.Stream.PollInterval <= 0 || c.Stream.KeepaliveInterval <= 0 {
		return errors.New("stream intervals must be positive")
	}
	return nil
}

// SimulationConfig returns the run defaults. Disabling j2 zeroes the J2
// coefficient, leaving the point-mass model.
func (c Config) SimulationConfig() simulation.Config {
	s := c.Simulation
	constants := s.Constants
	if !s.J2 {
		constants = constants.Kepler()
	}
	return simulation.Config{
		Propagation: propagation.Config{
			StepSeconds:     s.StepSeconds,
			DurationSeconds: s.DurationSeconds,
			Workers:         s.Workers,
		},
		Constants:         constants,
		ValidateReference: s.Validate,
		Alignment:         s.Alignment,
		ReferenceCadence:  s.ReferenceCadence,
		Target:            s.Target,
		Timeout:           s.Timeout,
	}
}

// APIConfig returns the HTTP server configuration.
func (c Config) APIConfig() api.Config {
	return api.Config{
		Addr:       c.HTTP.Addr,
		TrustProxy: c.HTTP.TrustProxy,
		Auth:       c.Auth,
		Stream:     c.StreamConfig(),
		Limits: api.Limits{
			MaxObjects:   c.HTTP.MaxObjects,
			MaxStates:    c.HTTP.MaxStates,
			MaxWorkers:   c.HTTP.MaxWorkers,
			MaxBodyBytes: c.HTTP.MaxBodyBytes,
			SubmitRate:   c.HTTP.SubmitRate,
			SubmitBurst:  c.HTTP.SubmitBurst,
		},
	}
}

// RunsConfig returns the run store configuration.
func (c Config) RunsConfig() runs.Config {
	return runs.Config{
		MaxConcurrent: c.Runs.MaxConcurrent,
		MaxEntries:    c.Runs.MaxEntries,
		Retention:     c.Runs.Retention,
		SweepInterval: c.Runs.SweepInterval,
	}
}

// StreamConfig returns the event stream configuration.
func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		MaxConcurrentPerIP: c.Stream.MaxConcurrentPerIP,
		MaxConcurrent:      c.Stream.MaxConcurrent,
		PollInterval:       c.Stream.PollInterval,
		KeepaliveInterval:  c.Stream.KeepaliveInterval,
		TrustProxy:         c.HTTP.TrustProxy,
	}
}

// Loader builds the TLE loader for this configuration. The fetcher is
// omitted when fetching is disabled, so only the disk cache is used.
func (c Config) Loader(logger *slog.Logger) *tle.Loader {
	var fetcher *tle.Fetcher
	if c.TLE.EnableFetch {
		fetcher = tle.NewFetcher(c.TLE.SourceURL, logger, c.TLE.ExtraURLs...)
	}
	cache := tle.NewCache(c.TLE.CacheDir, c.TLE.MaxFiles)
	return tle.NewLoader(fetcher, cache, c.TLE.MaxAge, logger)
}

func (c *Config) applyEnv(logger *slog.Logger) error {
	if err := c.applyAuthEnv(logger); err != nil {
		return err
	}

	envString("ORBITSIM_HTTP_ADDR", &c.HTTP.Addr)
	envBool(logger, "ORBITSIM_TRUST_PROXY", &c.HTTP.TrustProxy)
	envInt(logger, "ORBITSIM_MAX_OBJECTS", &c.HTTP.MaxObjects)
	envInt(logger, "ORBITSIM_MAX_WORKERS", &c.HTTP.MaxWorkers)

	envBool(logger, "ORBITSIM_ENABLE_TLE_FETCH", &c.TLE.EnableFetch)
	envString("ORBITSIM_TLE_SOURCE_URL", &c.TLE.SourceURL)
	if v := os.Getenv("ORBITSIM_TLE_EXTRA_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
		c.TLE.ExtraURLs = urls
	}
	envString("ORBITSIM_TLE_CACHE_DIR", &c.TLE.CacheDir)
	envSeconds(logger, "ORBITSIM_TLE_MAX_AGE", &c.TLE.MaxAge)
	envSeconds(logger, "ORBITSIM_TLE_REFRESH_INTERVAL", &c.TLE.RefreshInterval)

	envInt(logger, "ORBITSIM_SIM_WORKERS", &c.Simulation.Workers)
	envFloat(logger, "ORBITSIM_SIM_STEP", &c.Simulation.StepSeconds)
	envFloat(logger, "ORBITSIM_SIM_DURATION", &c.Simulation.DurationSeconds)
	envBool(logger, "ORBITSIM_SIM_J2", &c.Simulation.J2)
	envBool(logger, "ORBITSIM_SIM_VALIDATE", &c.Simulation.Validate)
	envSeconds(logger, "ORBITSIM_SIM_TIMEOUT", &c.Simulation.Timeout)

	envInt(logger, "ORBITSIM_RUNS_MAX_CONCURRENT", &c.Runs.MaxConcurrent)
	envInt(logger, "ORBITSIM_RUNS_MAX_ENTRIES", &c.Runs.MaxEntries)
	envSeconds(logger, "ORBITSIM_RUNS_RETENTION", &c.Runs.Retention)

	envInt(logger, "ORBITSIM_STREAM_MAX_CONCURRENT", &c.Stream.MaxConcurrentPerIP)
	envSeconds(logger, "ORBITSIM_STREAM_KEEPALIVE_INTERVAL", &c.Stream.KeepaliveInterval)
	return nil
}

func (c *Config) applyAuthEnv(logger *slog.Logger) error {
	if v := os.Getenv("ORBITSIM_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("ORBITSIM_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		c.Auth.Enabled = enabled
	}
	envString("ORBITSIM_AUTH_TOKEN", &c.Auth.Token)

	if c.Auth.Enabled {
		if !c.Auth.HasToken() {
			return errors.New("ORBITSIM_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(logger *slog.Logger, key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid boolean environment value, using default", "key", key, "value", v, "default", *dst)
		return
	}
	*dst = b
}

func envInt(logger *slog.Logger, key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		logger.Warn("invalid integer environment value, using default", "key", key, "value", v, "default", *dst)
		return
	}
	*dst = n
}

func envFloat(logger *slog.Logger, key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || !(f > 0) {
		logger.Warn("invalid numeric environment value, using default", "key", key, "value", v, "default", *dst)
		return
	}
	*dst = f
}

// envSeconds reads a whole number of seconds. Zero is accepted so that
// optional intervals can be switched off.
func envSeconds(logger *slog.Logger, key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.Warn("invalid seconds environment value, using default", "key", key, "value", v, "default", dst.Seconds())
		return
	}
	*dst = time.Duration(n) * time.Second
}
