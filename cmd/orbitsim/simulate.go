package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/star/orbitsim/internal/propagation"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/tle"
	"github.com/star/orbitsim/internal/validation"
)

type simulateOptions struct {
	tleFile    string
	refresh    bool
	filter     string
	limit      int
	step       float64
	duration   float64
	workers    int
	policy     string
	tolerance  float64
	cadence    int
	noJ2       bool
	noValidate bool
	jsonOut    bool
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Propagate a set of TLEs and print the validation report",
		Long: `simulate propagates every selected object once and prints per-object
status and error statistics against SGP4, followed by the aggregate.

Objects come from --tle-file when given, otherwise from the configured
TLE cache or source.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.tleFile, "tle-file", "f", "", "Read TLEs from this file instead of the configured source")
	f.BoolVar(&opts.refresh, "refresh", false, "Download a fresh dataset even if the cache is current")
	f.StringVar(&opts.filter, "filter", "", "Only objects whose name contains this text (case-insensitive)")
	f.IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of objects (0 = all)")
	f.Float64Var(&opts.step, "step", 0, "Integration step in seconds")
	f.Float64Var(&opts.duration, "duration", 0, "Propagation duration in seconds")
	f.IntVar(&opts.workers, "workers", 0, "Worker goroutines (0 = configured default)")
	f.StringVar(&opts.policy, "policy", "", "Reference alignment policy (linear, nearest)")
	f.Float64Var(&opts.tolerance, "tolerance", 0, "Epoch tolerance in seconds for the nearest policy")
	f.IntVar(&opts.cadence, "cadence", 0, "Reference sample cadence in whole seconds")
	f.BoolVar(&opts.noJ2, "no-j2", false, "Disable the J2 perturbation")
	f.BoolVar(&opts.noValidate, "no-validate", false, "Skip comparison against SGP4")
	f.BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")
	return cmd
}

// apply overlays flags the user set on the configured defaults.
func (o *simulateOptions) apply(cmd *cobra.Command, cfg simulation.Config) (simulation.Config, error) {
	f := cmd.Flags()
	if f.Changed("step") {
		cfg.Propagation.StepSeconds = o.step
	}
	if f.Changed("duration") {
		cfg.Propagation.DurationSeconds = o.duration
	}
	if f.Changed("workers") {
		cfg.Propagation.Workers = o.workers
	}
	if f.Changed("policy") {
		p, err := validation.ParsePolicy(o.policy)
		if err != nil {
			return cfg, err
		}
		cfg.Alignment.Policy = p
	}
	if f.Changed("tolerance") {
		cfg.Alignment.Tolerance = o.tolerance
	}
	if f.Changed("cadence") {
		cfg.ReferenceCadence = time.Duration(o.cadence) * time.Second
	}
	if o.noJ2 {
		cfg.Constants = cfg.Constants.Kepler()
	}
	if o.noValidate {
		cfg.ValidateReference = false
	}
	return cfg, cfg.Validate()
}

func runSimulate(cmd *cobra.Command, root *rootOptions, opts *simulateOptions) error {
	cfg, logger, err := root.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	simCfg, err := opts.apply(cmd, cfg.SimulationConfig())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var ds *tle.Dataset
	if opts.tleFile != "" {
		ds, err = readDataset(opts.tleFile, logger)
	} else {
		ds, err = cfg.Loader(logger).Load(ctx, opts.refresh)
	}
	if err != nil {
		return err
	}

	res, err := simulation.NewRunner(logger).RunDataset(ctx, simCfg, ds, opts.filter, opts.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "dataset %s: %s entries, fetched %s\n\n",
		ds.Source, humanize.Comma(int64(len(ds.Entries))), humanize.Time(ds.FetchedAt))
	printResult(out, res)
	return nil
}

// readDataset parses a local TLE file. Malformed entries are logged and
// skipped by the parser.
func readDataset(path string, logger *slog.Logger) (*tle.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read TLE file: %w", err)
	}
	return parseDataset(path, data, logger)
}

func parseDataset(source string, data []byte, logger *slog.Logger) (*tle.Dataset, error) {
	entries, err := tle.Parse(bytes.NewReader(data), logger)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("parse %s: no valid TLE entries", source)
	}
	return tle.NewDataset(source, time.Now().UTC(), entries), nil
}

// resultView is the JSON form of a run result without trajectories.
type resultView struct {
	DurationMS int64                      `json:"duration_ms"`
	Objects    []simulation.ObjectResult  `json:"objects"`
	Rejected   []validation.Failure       `json:"rejected,omitempty"`
	Validation *validation.BatchReport    `json:"validation,omitempty"`
	Counts     map[propagation.Status]int `json:"counts"`
}

func writeJSON(w io.Writer, res *simulation.Result) error {
	view := resultView{
		DurationMS: res.Duration.Milliseconds(),
		Objects:    res.Objects,
		Rejected:   res.Rejected,
		Validation: res.Validation,
		Counts:     statusCounts(res),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func statusCounts(res *simulation.Result) map[propagation.Status]int {
	counts := make(map[propagation.Status]int)
	for _, o := range res.Objects {
		counts[o.Status]++
	}
	return counts
}

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	failColor = color.New(color.FgRed).SprintFunc()
	headColor = color.New(color.Bold).SprintFunc()
)

func statusText(s propagation.Status) string {
	switch s {
	case propagation.StatusComplete:
		return okColor(string(s))
	case propagation.StatusIncomplete:
		return warnColor(string(s))
	default:
		return failColor(string(s))
	}
}

// printResult writes a per-object table followed by the aggregate report.
func printResult(w io.Writer, res *simulation.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headColor("OBJECT\tNAME\tSTATUS\tSTATES\tMEAN POS KM\tMAX POS KM\tMEAN VEL KM/S\tFINAL POS KM"))
	for _, o := range res.Objects {
		if o.Report == nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t-\t-\t-\t-\n", o.ObjectID, o.Name, statusText(o.Status), o.States)
			continue
		}
		r := o.Report
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.3f\t%.3f\t%.5f\t%.3f\n",
			o.ObjectID, o.Name, statusText(o.Status), o.States,
			r.Position.Mean, r.Position.Max, r.Velocity.Mean, r.FinalPosition)
	}
	tw.Flush()

	for _, o := range res.Objects {
		if o.Error != "" {
			fmt.Fprintf(w, "%s %s: %s\n", failColor("error"), o.ObjectID, o.Error)
		}
	}
	for _, f := range res.Rejected {
		fmt.Fprintf(w, "%s %s: %s\n", warnColor("rejected"), f.ObjectID, f.Reason)
	}

	counts := statusCounts(res)
	var states int
	for _, o := range res.Objects {
		states += o.States
	}
	fmt.Fprintf(w, "\n%d objects, %s states in %s: %d complete, %d incomplete, %d diverged, %d error\n",
		len(res.Objects), humanize.Comma(int64(states)), res.Duration.Round(time.Millisecond),
		counts[propagation.StatusComplete], counts[propagation.StatusIncomplete],
		counts[propagation.StatusDiverged], counts[propagation.StatusError])

	br := res.Validation
	if br == nil {
		fmt.Fprintln(w, "validation: skipped")
		return
	}
	for _, f := range br.Failures {
		fmt.Fprintf(w, "%s %s: %s\n", warnColor("not validated"), f.ObjectID, f.Reason)
	}
	verdict := okColor("within target")
	if !br.WithinTarget {
		verdict = failColor("outside target")
	}
	fmt.Fprintf(w, "validation: %d objects, mean position %.3f km (max %.3f), mean velocity %.5f km/s (max %.5f), %s\n",
		len(br.Objects), br.MeanPosition, br.MaxPosition, br.MeanVelocity, br.MaxVelocity, verdict)
}
