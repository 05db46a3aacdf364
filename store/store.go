// Package store persists sweep results as append-only records.
//
// Two backends are provided: a CSV file, the default, and an SQLite
// database chosen for paths ending in .db, .sqlite or .sqlite3. Both
// keep records in write order and never modify rows once written.
// CSV appends are serialised through a lock file named after the store
// with a ".lock" suffix, which is left in place after the write.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/weiihann/gemmsweep/harness"
)

// DateLayout is the ISO-8601 local timestamp, second precision, stored
// with every record.
const DateLayout = "2006-01-02T15:04:05"

var (
	// ErrWrite is matched by failures to persist a sweep.
	ErrWrite = errors.New("store write failed")
	// ErrRead is matched by failures to load a store.
	ErrRead = errors.New("store read failed")
)

// Header is the column layout of a store.
var Header = []string{"date", "M", "N", "K", "threads", "time_s", "gflops"}

// Record is the persisted form of one measurement.
type Record struct {
	Date        time.Time
	Size        harness.ProblemSize
	Threads     int
	TimeSeconds float64
	GFLOPS      float64
}

// Store is an append-only sequence of records.
type Store interface {
	// Append writes one record per measurement of res, all tagged with
	// the same timestamp taken from now.
	Append(ctx context.Context, res harness.SweepResult, now time.Time) error
	// ReadAll returns every record in write order.
	ReadAll(ctx context.Context) ([]Record, error)
	Close() error
}

// Open returns the backend matching path's extension.
func Open(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	default:
		return NewCSV(path), nil
	}
}

// OpenExisting is Open for stores that must already exist, such as plot
// inputs. A missing path is reported as ErrRead instead of being created.
func OpenExisting(path string) (Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	var (
		s   Store
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		s, err = OpenSQLiteReadOnly(path)
	default:
		s = NewCSV(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	return s, nil
}

// validate checks a loaded record against the data model.
func validate(r Record) error {
	if err := r.Size.Validate(); err != nil {
		return err
	}
	switch {
	case r.Threads < 1:
		return fmt.Errorf("threads %d: must be at least 1", r.Threads)
	case !(r.TimeSeconds > 0) || math.IsInf(r.TimeSeconds, 0):
		return fmt.Errorf("time_s %v: must be positive", r.TimeSeconds)
	case !(r.GFLOPS >= 0) || math.IsInf(r.GFLOPS, 0):
		return fmt.Errorf("gflops %v: must not be negative", r.GFLOPS)
	}

	return nil
}

// records expands res into records sharing one timestamp truncated to
// the second.
func records(res harness.SweepResult, now time.Time) []Record {
	date := now.Truncate(time.Second)
	out := make([]Record, 0, len(res.Measurements))
	for _, m := range res.Measurements {
		out = append(out, Record{
			Date:        date,
			Size:        res.Size,
			Threads:     m.Threads,
			TimeSeconds: m.TimeSeconds,
			GFLOPS:      m.GFLOPS,
		})
	}

	return out
}

// Sweeps groups consecutive records that share a timestamp and problem
// size back into sweep results, preserving store order. A thread count
// that does not increase starts a new sweep, so two sweeps stored within
// the same second stay apart.
func Sweeps(recs []Record) []harness.SweepResult {
	var (
		out  []harness.SweepResult
		last Record
	)
	for i, r := range recs {
		if i == 0 || !r.Date.Equal(last.Date) || r.Size != last.Size ||
			r.Threads <= last.Threads {
			out = append(out, harness.SweepResult{Size: r.Size})
		}
		cur := &out[len(out)-1]
		cur.Measurements = append(cur.Measurements, harness.Measurement{
			Threads:     r.Threads,
			TimeSeconds: r.TimeSeconds,
			GFLOPS:      r.GFLOPS,
		})
		last = r
	}

	return out
}
