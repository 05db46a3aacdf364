// Package sweep runs the matrix-product executable across a range of
// thread counts, one run at a time.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/weiihann/gemmsweep/harness"
	"github.com/weiihann/gemmsweep/metric"
)

// ErrInvalidRange is returned for thread ranges that are empty or start
// below one.
var ErrInvalidRange = errors.New("invalid thread range")

// Range is a closed interval of thread counts.
type Range struct {
	Min int
	Max int
}

// DefaultRange covers one thread up to the number of logical CPUs.
func DefaultRange() Range {
	return Range{Min: 1, Max: runtime.NumCPU()}
}

// Validate checks 1 <= Min <= Max.
func (r Range) Validate() error {
	if r.Min < 1 || r.Max < r.Min {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.Min, r.Max)
	}

	return nil
}

// Threads lists every thread count of the range in increasing order.
func (r Range) Threads() []int {
	if r.Max < r.Min {
		return nil
	}

	out := make([]int, 0, r.Max-r.Min+1)
	for t := r.Min; t <= r.Max; t++ {
		out = append(out, t)
	}

	return out
}

// Measurer times one run of a problem size at a thread count.
type Measurer interface {
	Run(ctx context.Context, size harness.ProblemSize, threads int) (float64, error)
}

// Controller drives a Measurer over a thread range.
type Controller struct {
	Measurer Measurer
	Logger   *slog.Logger
}

// NewController creates a Controller.
func NewController(m Measurer, logger *slog.Logger) *Controller {
	return &Controller{Measurer: m, Logger: logger}
}

// Sweep measures size at every thread count of rng, in increasing order,
// calling emit after each measurement. The first failure stops the sweep;
// the measurements taken so far are returned with the error. Cancellation
// of ctx is honoured between runs.
func (c *Controller) Sweep(
	ctx context.Context,
	executable string,
	size harness.ProblemSize,
	rng Range,
	emit func(harness.Measurement),
) (harness.SweepResult, error) {
	result := harness.SweepResult{Executable: executable, Size: size}

	if err := size.Validate(); err != nil {
		return result, err
	}
	if err := rng.Validate(); err != nil {
		return result, err
	}

	result.Measurements = make([]harness.Measurement, 0, rng.Max-rng.Min+1)

	c.Logger.InfoContext(ctx, "starting sweep",
		slog.String("executable", executable),
		slog.String("size", size.String()),
		slog.Int("min_threads", rng.Min),
		slog.Int("max_threads", rng.Max),
	)

	for _, threads := range rng.Threads() {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("sweep stopped before %d threads: %w", threads, err)
		}

		seconds, err := c.Measurer.Run(ctx, size, threads)
		if err != nil {
			return result, fmt.Errorf("sweep %s at %d threads: %w", size, threads, err)
		}

		gflops, err := metric.GFLOPS(size, seconds)
		if err != nil {
			return result, fmt.Errorf("sweep %s at %d threads: %w", size, threads, err)
		}

		m := harness.Measurement{Threads: threads, TimeSeconds: seconds, GFLOPS: gflops}
		result.Measurements = append(result.Measurements, m)

		if emit != nil {
			emit(m)
		}
	}

	c.Logger.InfoContext(ctx, "sweep complete",
		slog.Int("measurements", len(result.Measurements)),
	)

	return result, nil
}

// TextPrinter writes the sweep banner to w and returns an emit function
// printing one "threads, time, GFLOP/s" line per measurement.
func TextPrinter(w io.Writer, executable string, size harness.ProblemSize) func(harness.Measurement) {
	fmt.Fprintf(w, "Benchmarking %s for M=%d, N=%d, K=%d\n", executable, size.M, size.N, size.K)
	fmt.Fprintln(w, "threads, time[s], GFLOP/s")

	return func(m harness.Measurement) {
		fmt.Fprintf(w, "%d, %.6f, %.3f\n", m.Threads, m.TimeSeconds, m.GFLOPS)
	}
}
