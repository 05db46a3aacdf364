package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// DefaultThreadsEnv is the variable read by the OpenMP runtime of the
// executable to size its thread pool.
const DefaultThreadsEnv = "OMP_NUM_THREADS"

var (
	// ErrSubprocessFailure is matched by every failed run of the executable.
	ErrSubprocessFailure = errors.New("subprocess failed")
	// ErrSubprocessTimeout is matched by runs killed by the run timeout.
	ErrSubprocessTimeout = errors.New("subprocess timed out")
)

// SubprocessError describes a run that did not exit successfully.
type SubprocessError struct {
	Threads int
	Stderr  string
	Err     error
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("run with %d threads failed: %v\nstderr: %s",
		e.Threads, e.Err, e.Stderr)
}

// Is makes every SubprocessError match ErrSubprocessFailure.
func (e *SubprocessError) Is(target error) bool {
	return target == ErrSubprocessFailure
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// Invocation is everything needed to start the executable once.
type Invocation struct {
	Path string
	Args []string
	Env  []string
}

// Output is what a finished invocation wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Launcher starts an invocation and waits for it to exit. A non-nil error
// means the process could not be started or exited unsuccessfully; Output
// is still populated with whatever was captured.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Output, error)
}

// waitDelay bounds how long Launch waits for output pipes to close after a
// timed-out process is killed.
const waitDelay = 2 * time.Second

// ExecLauncher runs invocations with os/exec.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(ctx context.Context, inv Invocation) (Output, error) {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Env = inv.Env
	if _, ok := ctx.Deadline(); ok {
		cmd.WaitDelay = waitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}

// Runner launches the matrix-product executable for one problem size and
// thread count at a time.
type Runner struct {
	Executable string
	ThreadsEnv string
	ExtraEnv   []string
	Timeout    time.Duration
	Launcher   Launcher
	Parser     TimingParser
	Logger     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(r *Runner) { r.Launcher = l }
}

// WithParser replaces the timing parser.
func WithParser(p TimingParser) Option {
	return func(r *Runner) { r.Parser = p }
}

// WithThreadsEnv sets the variable used to pass the thread count.
func WithThreadsEnv(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.ThreadsEnv = name
		}
	}
}

// WithTimeout bounds every run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.Timeout = d }
}

// WithEnv adds KEY=VALUE entries to the environment of every run.
func WithEnv(env []string) Option {
	return func(r *Runner) { r.ExtraEnv = append(r.ExtraEnv, env...) }
}

// NewRunner creates a Runner for the executable at path.
func NewRunner(executable string, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		Executable: executable,
		ThreadsEnv: DefaultThreadsEnv,
		Launcher:   ExecLauncher{},
		Parser:     MarkerParser{Marker: DefaultMarker},
		Logger:     logger.With(slog.String("executable", executable)),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes the program once with the given thread count and returns
// the time it reported, in seconds.
//
// Cancelling ctx does not interrupt a run that already started; only the
// run timeout does.
func (r *Runner) Run(ctx context.Context, size ProblemSize, threads int) (float64, error) {
	runCtx := context.WithoutCancel(ctx)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.Timeout)
		defer cancel()
	}

	inv := r.invocation(size, threads)

	r.Logger.DebugContext(ctx, "starting run",
		slog.Int("threads", threads),
		slog.String("size", size.String()),
	)

	wallStart := time.Now()
	out, err := r.Launcher.Launch(runCtx, inv)
	wallElapsed := time.Since(wallStart)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrSubprocessTimeout, r.Timeout, err)
		}

		return 0, &SubprocessError{
			Threads: threads,
			Stderr:  string(out.Stderr),
			Err:     err,
		}
	}

	ns, err := r.Parser.ParseTiming(out.Stdout)
	if err != nil {
		return 0, fmt.Errorf("parse output of run with %d threads: %w\nstdout: %s",
			threads, err, out.Stdout)
	}

	seconds := NanosToSeconds(ns)

	r.Logger.DebugContext(ctx, "run finished",
		slog.Int("threads", threads),
		slog.Float64("seconds", seconds),
		slog.Duration("wall_time", wallElapsed),
	)

	return seconds, nil
}

// invocation builds a fresh environment for every run so the harness
// process environment is never modified.
func (r *Runner) invocation(size ProblemSize, threads int) Invocation {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(r.ExtraEnv)+1)
	env = append(env, base...)
	env = append(env, r.ExtraEnv...)
	env = append(env, r.ThreadsEnv+"="+strconv.Itoa(threads))

	return Invocation{
		Path: r.Executable,
		Args: []string{
			strconv.Itoa(size.M),
			strconv.Itoa(size.N),
			strconv.Itoa(size.K),
		},
		Env: env,
	}
}
