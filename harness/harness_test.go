package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLauncher records invocations and replies with canned output.
type fakeLauncher struct {
	calls  []Invocation
	stdout string
	stderr string
	err    error
}

func (f *fakeLauncher) Launch(_ context.Context, inv Invocation) (Output, error) {
	f.calls = append(f.calls, inv)

	return Output{Stdout: []byte(f.stdout), Stderr: []byte(f.stderr)}, f.err
}

func envValue(env []string, key string) (string, bool) {
	var (
		val   string
		found bool
	)
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			val, found = v, true
		}
	}

	return val, found
}

func TestParseTiming(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"plain", "Time: 500000000\n", 500000000, false},
		{"trailing fields", "Time: 42 ns elapsed\n", 42, false},
		{"after other output", "init done\nTime: 1234\n", 1234, false},
		{"first marker wins", "Time: 10\nTime: 20\n", 10, false},
		{"no newline", "Time: 7", 7, false},
		{"missing", "elapsed 100\n", 0, true},
		{"empty", "", 0, true},
		{"no value", "Time:\n", 0, true},
		{"not integer", "Time: 1.5\n", 0, true},
		{"zero", "Time: 0\n", 0, true},
		{"negative", "Time: -3\n", 0, true},
		{"indented marker", "  Time: 5\n", 0, true},
		{"first marker malformed", "Time: abc\nTime: 20\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarkerParser{Marker: DefaultMarker}.ParseTiming([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrTimingUnavailable) {
					t.Fatalf("err = %v, want ErrTimingUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTiming failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTiming = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNanosToSeconds(t *testing.T) {
	if got := NanosToSeconds(500000000); got != 0.5 {
		t.Errorf("NanosToSeconds(5e8) = %v, want 0.5", got)
	}
	if got := NanosToSeconds(1); got != 1e-9 {
		t.Errorf("NanosToSeconds(1) = %v, want 1e-9", got)
	}
}

func TestRunPassesSizeAndThreads(t *testing.T) {
	fl := &fakeLauncher{stdout: "Time: 500000000\n"}
	r := NewRunner("/opt/mm", discardLogger(), WithLauncher(fl))

	secs, err := r.Run(context.Background(), ProblemSize{M: 100, N: 200, K: 300}, 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if secs != 0.5 {
		t.Errorf("seconds = %v, want 0.5", secs)
	}

	if len(fl.calls) != 1 {
		t.Fatalf("launched %d times, want 1", len(fl.calls))
	}
	inv := fl.calls[0]
	if inv.Path != "/opt/mm" {
		t.Errorf("path = %q, want /opt/mm", inv.Path)
	}
	if got := strings.Join(inv.Args, " "); got != "100 200 300" {
		t.Errorf("args = %q, want \"100 200 300\"", got)
	}
	if v, ok := envValue(inv.Env, DefaultThreadsEnv); !ok || v != "3" {
		t.Errorf("%s = %q (set=%v), want 3", DefaultThreadsEnv, v, ok)
	}
}

func TestRunDoesNotMutateEnvironment(t *testing.T) {
	t.Setenv("GEMMSWEEP_TEST_THREADS", "original")

	fl := &fakeLauncher{stdout: "Time: 1\n"}
	r := NewRunner("mm", discardLogger(),
		WithLauncher(fl),
		WithThreadsEnv("GEMMSWEEP_TEST_THREADS"),
		WithEnv([]string{"EXTRA=1"}),
	)

	for _, threads := range []int{1, 2} {
		if _, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, threads); err != nil {
			t.Fatalf("Run(%d) failed: %v", threads, err)
		}
	}

	if got := os.Getenv("GEMMSWEEP_TEST_THREADS"); got != "original" {
		t.Errorf("process env changed to %q", got)
	}
	for i, want := range []string{"1", "2"} {
		if v, _ := envValue(fl.calls[i].Env, "GEMMSWEEP_TEST_THREADS"); v != want {
			t.Errorf("call %d threads env = %q, want %q", i, v, want)
		}
		if v, _ := envValue(fl.calls[i].Env, "EXTRA"); v != "1" {
			t.Errorf("call %d EXTRA = %q, want 1", i, v)
		}
	}
}

func TestRunSubprocessFailure(t *testing.T) {
	fl := &fakeLauncher{
		stderr: "out of memory",
		err:    errors.New("exit status 1"),
	}
	r := NewRunner("mm", discardLogger(), WithLauncher(fl))

	_, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, 4)
	if !errors.Is(err, ErrSubprocessFailure) {
		t.Fatalf("err = %v, want ErrSubprocessFailure", err)
	}
	if errors.Is(err, ErrSubprocessTimeout) {
		t.Error("plain failure must not match ErrSubprocessTimeout")
	}

	var se *SubprocessError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *SubprocessError", err)
	}
	if se.Stderr != "out of memory" {
		t.Errorf("stderr = %q, want verbatim \"out of memory\"", se.Stderr)
	}
	if se.Threads != 4 {
		t.Errorf("threads = %d, want 4", se.Threads)
	}
}

func TestRunTimingUnavailable(t *testing.T) {
	fl := &fakeLauncher{stdout: "done\n"}
	r := NewRunner("mm", discardLogger(), WithLauncher(fl))

	secs, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, 2)
	if !errors.Is(err, ErrTimingUnavailable) {
		t.Fatalf("err = %v, want ErrTimingUnavailable", err)
	}
	if secs != 0 {
		t.Errorf("seconds = %v on failure", secs)
	}
	if !strings.Contains(err.Error(), "2 threads") {
		t.Errorf("error %q does not name the thread count", err)
	}
}

type stubParser struct{ ns int64 }

func (p stubParser) ParseTiming([]byte) (int64, error) { return p.ns, nil }

func TestRunCustomParser(t *testing.T) {
	fl := &fakeLauncher{stdout: `{"elapsed_ns": 2000000000}`}
	r := NewRunner("mm", discardLogger(),
		WithLauncher(fl), WithParser(stubParser{ns: 2e9}))

	secs, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if secs != 2 {
		t.Errorf("seconds = %v, want 2", secs)
	}
}

// The tests below re-execute the test binary as a stand-in for the
// matrix-product executable.

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GEMMSWEEP_HELPER") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch os.Getenv("GEMMSWEEP_HELPER_MODE") {
	case "fail":
		fmt.Fprint(os.Stderr, "out of memory")
		os.Exit(1)
	case "sleep":
		time.Sleep(10 * time.Second)
	case "orphan":
		// The child inherits stdout and outlives this process.
		child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
		child.Env = append(os.Environ(), "GEMMSWEEP_HELPER_MODE=sleep")
		child.Stdout = os.Stdout
		if err := child.Start(); err != nil {
			fmt.Fprint(os.Stderr, err)
			os.Exit(1)
		}
		time.Sleep(10 * time.Second)
	default:
		fmt.Printf("args %s threads %s\n", strings.Join(args, ","), os.Getenv(DefaultThreadsEnv))
		fmt.Println("Time: 250000000")
	}

	os.Exit(0)
}

// helperRunner points a Runner at the test binary. The "--" separates the
// go test flags from the M N K arguments.
func helperRunner(t *testing.T, mode string, opts ...Option) *Runner {
	t.Helper()

	opts = append([]Option{WithEnv([]string{
		"GEMMSWEEP_HELPER=1",
		"GEMMSWEEP_HELPER_MODE=" + mode,
	})}, opts...)
	r := NewRunner(os.Args[0], discardLogger(), opts...)
	r.Launcher = prefixLauncher{
		next:   ExecLauncher{},
		prefix: []string{"-test.run=TestHelperProcess", "--"},
	}

	return r
}

type prefixLauncher struct {
	next   Launcher
	prefix []string
}

func (p prefixLauncher) Launch(ctx context.Context, inv Invocation) (Output, error) {
	inv.Args = append(append([]string(nil), p.prefix...), inv.Args...)
	return p.next.Launch(ctx, inv)
}

func TestExecLauncherSuccess(t *testing.T) {
	r := helperRunner(t, "ok")

	secs, err := r.Run(context.Background(), ProblemSize{8, 16, 32}, 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if secs != 0.25 {
		t.Errorf("seconds = %v, want 0.25", secs)
	}
}

func TestExecLauncherFailure(t *testing.T) {
	r := helperRunner(t, "fail")

	_, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, 1)

	var se *SubprocessError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SubprocessError", err)
	}
	if se.Stderr != "out of memory" {
		t.Errorf("stderr = %q, want \"out of memory\"", se.Stderr)
	}
}

func TestExecLauncherTimeout(t *testing.T) {
	r := helperRunner(t, "sleep", WithTimeout(200*time.Millisecond))

	_, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, 1)
	if !errors.Is(err, ErrSubprocessTimeout) {
		t.Fatalf("err = %v, want ErrSubprocessTimeout", err)
	}
	if !errors.Is(err, ErrSubprocessFailure) {
		t.Errorf("timeout should also match ErrSubprocessFailure")
	}
}

func TestExecLauncherTimeoutWithLingeringChild(t *testing.T) {
	r := helperRunner(t, "orphan", WithTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := r.Run(context.Background(), ProblemSize{1, 1, 1}, 1)
	if !errors.Is(err, ErrSubprocessTimeout) {
		t.Fatalf("err = %v, want ErrSubprocessTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run returned after %s, want it bounded by the timeout", elapsed)
	}
}

func TestRunIgnoresParentCancellation(t *testing.T) {
	r := helperRunner(t, "ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Run(ctx, ProblemSize{1, 1, 1}, 1); err != nil {
		t.Fatalf("run started with a cancelled parent failed: %v", err)
	}
}

func TestResolveExecutable(t *testing.T) {
	got := ResolveExecutable("build")
	want := filepath.Join("build", "src", "top.matrix_product")
	if got != want {
		t.Errorf("ResolveExecutable = %q, want %q", got, want)
	}
}

func TestProblemSizeValidate(t *testing.T) {
	if err := (ProblemSize{1, 2, 3}).Validate(); err != nil {
		t.Errorf("valid size rejected: %v", err)
	}
	for _, p := range []ProblemSize{{0, 1, 1}, {1, -1, 1}, {1, 1, 0}} {
		if err := p.Validate(); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Validate(%v) = %v, want ErrInvalidSize", p, err)
		}
	}
}
