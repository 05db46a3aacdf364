// Package chart loads stored sweeps and renders throughput and speedup
// comparisons across them.
package chart

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiihann/gemmsweep/store"
)

// ErrEmptySeries is returned for stores without any data rows.
var ErrEmptySeries = errors.New("empty series")

// Selector decides which rows of a store make up its series.
type Selector int

const (
	// Latest keeps the most recent sweep in the store.
	Latest Selector = iota
	// All keeps every row in store order.
	All
)

// Point is one measurement of a series.
type Point struct {
	Threads     int
	TimeSeconds float64
	GFLOPS      float64
}

// Series is a named sequence of points, usually one sweep.
type Series struct {
	Name   string
	Points []Point
}

// Load reads one series per path, named by the path.
func Load(ctx context.Context, paths []string, sel Selector) ([]Series, error) {
	if len(paths) == 0 {
		return nil, errors.New("no stores given")
	}

	out := make([]Series, 0, len(paths))
	for _, path := range paths {
		s, err := loadOne(ctx, path, sel)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	return out, nil
}

func loadOne(ctx context.Context, path string, sel Selector) (Series, error) {
	st, err := store.OpenExisting(path)
	if err != nil {
		return Series{}, fmt.Errorf("load %s: %w", path, err)
	}
	defer st.Close()

	recs, err := st.ReadAll(ctx)
	if err != nil {
		return Series{}, fmt.Errorf("load %s: %w", path, err)
	}
	if len(recs) == 0 {
		return Series{}, fmt.Errorf("load %s: %w", path, ErrEmptySeries)
	}

	s := Series{Name: path}
	switch sel {
	case All:
		for _, r := range recs {
			s.Points = append(s.Points, Point{r.Threads, r.TimeSeconds, r.GFLOPS})
		}
	default:
		sweeps := store.Sweeps(recs)
		for _, m := range sweeps[len(sweeps)-1].Measurements {
			s.Points = append(s.Points, Point{m.Threads, m.TimeSeconds, m.GFLOPS})
		}
	}

	return s, nil
}

// SpeedupFromTime returns t[0]/t[i] for every point of s.
func SpeedupFromTime(s Series) []float64 {
	out := make([]float64, len(s.Points))
	if len(s.Points) == 0 {
		return out
	}

	base := s.Points[0].TimeSeconds
	for i, p := range s.Points {
		out[i] = base / p.TimeSeconds
	}

	return out
}

// SpeedupFromThroughput returns g[i]/g[0] for every point of s.
func SpeedupFromThroughput(s Series) []float64 {
	out := make([]float64, len(s.Points))
	if len(s.Points) == 0 {
		return out
	}

	base := s.Points[0].GFLOPS
	for i, p := range s.Points {
		out[i] = p.GFLOPS / base
	}

	return out
}

// Throughput returns the GFLOP/s of every point of s.
func Throughput(s Series) []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.GFLOPS
	}

	return out
}
