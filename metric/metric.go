// Package metric derives throughput figures from reported timings.
package metric

import (
	"errors"
	"fmt"
	"math"

	"github.com/weiihann/gemmsweep/harness"
)

// ErrInvalidTiming is returned for timings that are not strictly positive
// finite numbers.
var ErrInvalidTiming = errors.New("invalid timing")

// Throughput returns the floating point operations per second achieved
// computing a product of the given size in seconds.
func Throughput(size harness.ProblemSize, seconds float64) (float64, error) {
	if !(seconds > 0) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("%w: %v s for %s", ErrInvalidTiming, seconds, size)
	}

	return size.Operations() / seconds, nil
}

// GFLOPS is Throughput scaled to 10^9 operations per second.
func GFLOPS(size harness.ProblemSize, seconds float64) (float64, error) {
	ops, err := Throughput(size, seconds)
	if err != nil {
		return 0, err
	}

	return ops / 1e9, nil
}

// Speedup returns base/t, the speedup of a run taking t relative to a
// run taking base.
func Speedup(base, t float64) float64 {
	if t <= 0 {
		return 0
	}

	return base / t
}

// Efficiency is the speedup per thread.
func Efficiency(speedup float64, threads int) float64 {
	if threads <= 0 {
		return 0
	}

	return speedup / float64(threads)
}
