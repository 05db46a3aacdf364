package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/weiihann/gemmsweep/harness"
)

// lockRetry is how often a blocked appender retries the file lock.
const lockRetry = 50 * time.Millisecond

// CSV stores records as comma-separated rows in a single file.
type CSV struct {
	Path string
}

// NewCSV returns a CSV store at path. The file is created on first Append.
func NewCSV(path string) *CSV {
	return &CSV{Path: path}
}

// Append implements Store. Every call opens the file in append mode,
// holds an exclusive lock on path+".lock" and writes all rows at once,
// so concurrent sweeps never interleave rows.
func (s *CSV) Append(ctx context.Context, res harness.SweepResult, now time.Time) error {
	lock := flock.New(s.Path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrWrite, s.Path, err)
	}
	if !locked {
		return fmt.Errorf("%w: lock %s: not acquired", ErrWrite, s.Path)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat %s: %v", ErrWrite, s.Path, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		w.Write(Header)
	}
	for _, r := range records(res, now) {
		w.Write(formatRow(r))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("%w: encode %s: %v", ErrWrite, s.Path, err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("%w: append %s: %v", ErrWrite, s.Path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrWrite, s.Path, err)
	}

	return nil
}

// ReadAll implements Store.
func (s *CSV) ReadAll(ctx context.Context) ([]Record, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer f.Close()

	recs, err := readCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRead, s.Path, err)
	}

	return recs, nil
}

// Close implements Store. A CSV store holds no open resources.
func (s *CSV) Close() error { return nil }

func readCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = len(Header)

	var out []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if strings.EqualFold(strings.TrimSpace(row[0]), Header[0]) {
			continue
		}

		rec, err := parseRow(row)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}

	return out, nil
}

func formatRow(r Record) []string {
	return []string{
		r.Date.Format(DateLayout),
		strconv.Itoa(r.Size.M),
		strconv.Itoa(r.Size.N),
		strconv.Itoa(r.Size.K),
		strconv.Itoa(r.Threads),
		strconv.FormatFloat(r.TimeSeconds, 'g', -1, 64),
		strconv.FormatFloat(r.GFLOPS, 'g', -1, 64),
	}
}

func parseRow(row []string) (Record, error) {
	var (
		rec  Record
		err  error
		ints [4]int
	)

	rec.Date, err = time.ParseInLocation(DateLayout, strings.TrimSpace(row[0]), time.Local)
	if err != nil {
		return rec, fmt.Errorf("date: %w", err)
	}

	for i := range ints {
		ints[i], err = strconv.Atoi(strings.TrimSpace(row[i+1]))
		if err != nil {
			return rec, fmt.Errorf("%s: %w", Header[i+1], err)
		}
	}
	rec.Size = harness.ProblemSize{M: ints[0], N: ints[1], K: ints[2]}
	rec.Threads = ints[3]

	rec.TimeSeconds, err = strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
	if err != nil {
		return rec, fmt.Errorf("time_s: %w", err)
	}

	rec.GFLOPS, err = strconv.ParseFloat(strings.TrimSpace(row[6]), 64)
	if err != nil {
		return rec, fmt.Errorf("gflops: %w", err)
	}

	return rec, validate(rec)
}
