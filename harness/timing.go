package harness

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMarker prefixes the timing line printed by the matrix-product
// executable, e.g. "Time: 123456789".
const DefaultMarker = "Time:"

// ErrTimingUnavailable is returned when the executable's output carries no
// usable timing line.
var ErrTimingUnavailable = errors.New("timing unavailable")

// TimingParser extracts the elapsed time, in nanoseconds, from the
// standard output of one run.
type TimingParser interface {
	ParseTiming(stdout []byte) (int64, error)
}

// MarkerParser reads the first line starting with Marker and parses its
// second whitespace-separated field as integer nanoseconds.
type MarkerParser struct {
	Marker string
}

// ParseTiming implements TimingParser.
func (p MarkerParser) ParseTiming(stdout []byte) (int64, error) {
	marker := p.Marker
	if marker == "" {
		marker = DefaultMarker
	}

	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, marker) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("%w: %q has no value", ErrTimingUnavailable, line)
		}

		ns, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrTimingUnavailable, line, err)
		}

		if ns <= 0 {
			return 0, fmt.Errorf("%w: non-positive time %d ns", ErrTimingUnavailable, ns)
		}

		return ns, nil
	}

	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("%w: scan output: %v", ErrTimingUnavailable, err)
	}

	return 0, fmt.Errorf("%w: no line starting with %q", ErrTimingUnavailable, marker)
}

// NanosToSeconds converts a nanosecond count to seconds.
func NanosToSeconds(ns int64) float64 {
	return float64(ns) / 1e9
}
