// Package main provides the CLI entry point for gemmsweep, a thread
// scaling harness for an external matrix-product executable.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/weiihann/gemmsweep/chart"
	"github.com/weiihann/gemmsweep/harness"
	"github.com/weiihann/gemmsweep/report"
	"github.com/weiihann/gemmsweep/store"
	"github.com/weiihann/gemmsweep/sweep"
	"gonum.org/v1/plot/vg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbose bool

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: level,
	}))

	root := &cobra.Command{
		Use:   "gemmsweep",
		Short: "Thread scaling harness for a matrix-product executable",
		Long: `Gemmsweep runs an externally built matrix-product executable once per
thread count, derives GFLOP/s from the time it reports, appends the results
to a store and plots throughput and speedup across stores.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				level.Set(slog.LevelDebug)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	root.AddCommand(newRunCmd(logger), newPlotCmd(logger))

	return root
}

type runConfig struct {
	size       harness.ProblemSize
	executable string
	buildDir   string
	build      bool
	minThreads int
	maxThreads int
	storePath  string
	threadsEnv string
	timeout    time.Duration
	reportFmt  string
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	cfg := runConfig{}
	def := sweep.DefaultRange()

	cmd := &cobra.Command{
		Use:   "run M N K",
		Short: "Sweep the executable over a range of thread counts",
		Long: `Run the executable as "<exe> M N K" once per thread count in
[min-threads, max-threads], passing the thread count through the
environment, and print one "threads, time[s], GFLOP/s" line per run.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseSize(args)
			if err != nil {
				return err
			}
			cfg.size = size

			return runSweep(cmd.Context(), cmd.OutOrStdout(), logger, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.executable, "exe", "",
		"Path to the matrix-product executable (default: <build-dir>/src/top.matrix_product)")
	flags.StringVar(&cfg.buildDir, "build-dir", harness.DefaultBuildDir,
		"CMake build directory of the matrix-product project")
	flags.BoolVar(&cfg.build, "build", false,
		"Run cmake --build on the build directory before sweeping")
	flags.IntVar(&cfg.minThreads, "min-threads", def.Min,
		"Minimum number of threads to test")
	flags.IntVar(&cfg.maxThreads, "max-threads", def.Max,
		"Maximum number of threads to test (default: logical CPUs)")
	flags.StringVar(&cfg.storePath, "csv", "",
		"Append results to this store (.csv, or .db/.sqlite for SQLite); CSV appends leave a <path>.lock file")
	flags.StringVar(&cfg.threadsEnv, "threads-env", harness.DefaultThreadsEnv,
		"Environment variable carrying the thread count")
	flags.DurationVar(&cfg.timeout, "timeout", 0,
		"Fail a run that takes longer than this (0 = no limit)")
	flags.StringVar(&cfg.reportFmt, "report", "",
		"Also print a summary: markdown, json or bench")

	return cmd
}

func parseSize(args []string) (harness.ProblemSize, error) {
	var dims [3]int
	for i, name := range []string{"M", "N", "K"} {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return harness.ProblemSize{}, fmt.Errorf("%s: %w", name, err)
		}
		dims[i] = v
	}

	size := harness.ProblemSize{M: dims[0], N: dims[1], K: dims[2]}

	return size, size.Validate()
}

func runSweep(
	ctx context.Context,
	stdout io.Writer,
	logger *slog.Logger,
	cfg runConfig,
) error {
	rng := sweep.Range{Min: cfg.minThreads, Max: cfg.maxThreads}
	if err := rng.Validate(); err != nil {
		return err
	}

	if cfg.reportFmt != "" && cfg.reportFmt != "markdown" &&
		cfg.reportFmt != "json" && cfg.reportFmt != "bench" {
		return fmt.Errorf("unknown report format %q", cfg.reportFmt)
	}

	exe := cfg.executable
	if cfg.build {
		built, err := harness.Build(ctx, logger, cfg.buildDir)
		if err != nil {
			return err
		}
		if exe == "" {
			exe = built
		}
	}
	if exe == "" {
		exe = harness.ResolveExecutable(cfg.buildDir)
	}

	runner := harness.NewRunner(exe, logger,
		harness.WithThreadsEnv(cfg.threadsEnv),
		harness.WithTimeout(cfg.timeout),
	)
	controller := sweep.NewController(runner, logger)

	emit := sweep.TextPrinter(stdout, exe, cfg.size)
	res, sweepErr := controller.Sweep(ctx, exe, cfg.size, rng, emit)
	now := time.Now()

	if cfg.storePath != "" && len(res.Measurements) > 0 {
		if err := appendResults(ctx, logger, cfg.storePath, res, now); err != nil {
			return errors.Join(sweepErr, err)
		}
	}

	if sweepErr != nil {
		return sweepErr
	}

	return writeReport(stdout, cfg.reportFmt, res, now)
}

func appendResults(
	ctx context.Context,
	logger *slog.Logger,
	path string,
	res harness.SweepResult,
	now time.Time,
) error {
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", path, err)
	}
	defer st.Close()

	// Persist even when the sweep was interrupted.
	if err := st.Append(context.WithoutCancel(ctx), res, now); err != nil {
		return err
	}

	logger.InfoContext(ctx, "results stored",
		slog.String("path", path),
		slog.Int("records", len(res.Measurements)),
	)

	return nil
}

func writeReport(w io.Writer, format string, res harness.SweepResult, now time.Time) error {
	switch format {
	case "":
		return nil
	case "markdown":
		fmt.Fprintln(w)
		return report.Generate(w, res)
	case "json":
		return report.GenerateJSON(w, res)
	case "bench":
		return report.GenerateBench(w, res, now)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

type plotConfig struct {
	paths    []string
	outDir   string
	baseline float64
	all      bool
	width    float64
	height   float64
}

func newPlotCmd(logger *slog.Logger) *cobra.Command {
	var cfg plotConfig

	cmd := &cobra.Command{
		Use:   "plot STORE...",
		Short: "Plot throughput and speedup of one or more stores",
		Long: `Load each store as one series, labelled by its path, and write
gflops.png, speedup_time.png and speedup_gflops.png.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.paths = args
			return runPlot(cmd.Context(), cmd.OutOrStdout(), logger, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.outDir, "out-dir", ".",
		"Directory the images are written to")
	flags.Float64Var(&cfg.baseline, "baseline", 0,
		"Draw a reference line at this GFLOP/s on the throughput chart (0 = none)")
	flags.BoolVar(&cfg.all, "all", false,
		"Plot every row of each store instead of its latest sweep")
	flags.Float64Var(&cfg.width, "width", 8, "Image width in inches")
	flags.Float64Var(&cfg.height, "height", 5, "Image height in inches")

	return cmd
}

func runPlot(
	ctx context.Context,
	stdout io.Writer,
	logger *slog.Logger,
	cfg plotConfig,
) error {
	sel := chart.Latest
	if cfg.all {
		sel = chart.All
	}

	series, err := chart.Load(ctx, cfg.paths, sel)
	if err != nil {
		return err
	}

	for _, s := range series {
		logger.DebugContext(ctx, "series loaded",
			slog.String("path", s.Name),
			slog.Int("points", len(s.Points)),
		)
	}

	files, err := chart.Render(series, chart.Options{
		OutDir:   cfg.outDir,
		Baseline: cfg.baseline,
		Width:    vg.Length(cfg.width) * vg.Inch,
		Height:   vg.Length(cfg.height) * vg.Inch,
	})
	if err != nil {
		return err
	}

	for _, f := range files {
		fmt.Fprintln(stdout, f)
	}

	return nil
}
