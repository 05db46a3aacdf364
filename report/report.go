// Package report formats sweep results for humans and for other tools.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/perf/benchfmt"
	"golang.org/x/perf/benchunit"

	"github.com/weiihann/gemmsweep/harness"
	"github.com/weiihann/gemmsweep/metric"
)

// Generate writes a markdown table of res with speedup and parallel
// efficiency relative to its first measurement.
func Generate(w io.Writer, res harness.SweepResult) error {
	if len(res.Measurements) == 0 {
		return fmt.Errorf("no measurements to report")
	}

	fmt.Fprintln(w, "## Sweep Results")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Executable: `%s`  \n", res.Executable)
	fmt.Fprintf(w, "Problem size: %s\n", res.Size)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Threads | Time | GFLOP/s | Speedup | Efficiency |")
	fmt.Fprintln(w, "|---------|------|---------|---------|------------|")

	base := res.Measurements[0].TimeSeconds
	for _, m := range res.Measurements {
		speedup := metric.Speedup(base, m.TimeSeconds)

		fmt.Fprintf(w, "| %d | %s | %.3f | %.2fx | %.0f%% |\n",
			m.Threads,
			formatSeconds(m.TimeSeconds),
			m.GFLOPS,
			speedup,
			100*metric.Efficiency(speedup, m.Threads),
		)
	}

	best := fastest(res.Measurements)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Best: %.3f GFLOP/s at %d threads\n", best.GFLOPS, best.Threads)

	return nil
}

// GenerateJSON writes res as JSON to w.
func GenerateJSON(w io.Writer, res harness.SweepResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(res)
}

// GenerateBench writes res in the Go benchmark format, one result per
// thread count, so sweeps can be compared with benchstat. The thread
// count becomes the GOMAXPROCS-style name suffix.
func GenerateBench(w io.Writer, res harness.SweepResult, date time.Time) error {
	bw := benchfmt.NewWriter(w)

	name := fmt.Sprintf("MatMul/M=%d/N=%d/K=%d", res.Size.M, res.Size.N, res.Size.K)
	for _, m := range res.Measurements {
		r := &benchfmt.Result{
			Config: []benchfmt.Config{
				{Key: "executable", Value: []byte(res.Executable), File: true},
				{Key: "date", Value: []byte(date.Format(time.RFC3339)), File: true},
			},
			Name:  benchfmt.Name(name + "-" + strconv.Itoa(m.Threads)),
			Iters: 1,
			Values: []benchfmt.Value{
				{Value: m.TimeSeconds, Unit: "sec/op"},
				{Value: m.GFLOPS, Unit: "GFLOP/s"},
			},
		}
		if err := bw.Write(r); err != nil {
			return fmt.Errorf("write threads=%d: %w", m.Threads, err)
		}
	}

	return nil
}

func fastest(ms []harness.Measurement) harness.Measurement {
	best := ms[0]
	for _, m := range ms[1:] {
		if m.GFLOPS > best.GFLOPS {
			best = m
		}
	}

	return best
}

func formatSeconds(s float64) string {
	return benchunit.Scale(s, benchunit.Decimal) + "s"
}
