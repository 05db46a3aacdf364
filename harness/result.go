// Package harness runs the external matrix-product executable and extracts
// the timing it reports.
package harness

import (
	"errors"
	"fmt"
)

// ErrInvalidSize is returned for problem sizes with a non-positive dimension.
var ErrInvalidSize = errors.New("invalid problem size")

// ProblemSize describes the product of an M×K matrix with a K×N matrix.
type ProblemSize struct {
	M int `json:"m"`
	N int `json:"n"`
	K int `json:"k"`
}

// Validate reports whether every dimension is positive.
func (p ProblemSize) Validate() error {
	if p.M <= 0 || p.N <= 0 || p.K <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSize, p)
	}

	return nil
}

// Operations returns the number of floating point operations of the
// product: one multiply and one add per inner-loop step.
func (p ProblemSize) Operations() float64 {
	return 2 * float64(p.M) * float64(p.N) * float64(p.K)
}

func (p ProblemSize) String() string {
	return fmt.Sprintf("M=%d, N=%d, K=%d", p.M, p.N, p.K)
}

// Measurement is the outcome of one run at a given thread count.
type Measurement struct {
	Threads     int     `json:"threads"`
	TimeSeconds float64 `json:"time_s"`
	GFLOPS      float64 `json:"gflops"`
}

// SweepResult holds the measurements of one sweep, ordered by
// increasing thread count.
type SweepResult struct {
	Executable   string        `json:"executable"`
	Size         ProblemSize   `json:"size"`
	Measurements []Measurement `json:"measurements"`
}
