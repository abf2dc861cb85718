// Command orbitsim propagates satellite orbits with a J2 force model and
// validates the results against SGP4. It runs either as an HTTP service
// (serve) or as a one-shot command line simulation (simulate).
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/star/orbitsim/internal/config"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "orbitsim",
		Short: "Numerical orbit propagation validated against SGP4",
		Long: `orbitsim propagates tracked objects with an RK4 integrator under
point-mass gravity plus the J2 oblateness term, and compares every
trajectory against the SGP4 propagation of the same TLE.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("ORBITSIM_CONFIG"), "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))
	return cmd
}

// newLogger returns a JSON logger writing to w at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// load builds the logger and configuration for a subcommand.
func (o *rootOptions) load(w io.Writer) (config.Config, *slog.Logger, error) {
	logger, err := newLogger(w, o.logLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(o.configPath, logger)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
