// Package executor runs one child process to completion and captures its output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// ErrEmptyArgv is returned when Execute is called without a program.
var ErrEmptyArgv = errors.New("argv is empty")

// SpawnError means the OS could not create the child process at all
// (missing binary, permission denied). No exit code exists.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Argv[0], e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ArgvFilter rewrites argv before the process is started. Filters receive a
// copy and may modify it in place.
type ArgvFilter func(argv []string) []string

// ForwardSlashPaths rewrites backslash path separators to forward slashes in
// every argument. Some cross-compiling toolchains mis-handle Windows separators.
func ForwardSlashPaths(argv []string) []string {
	for i, a := range argv {
		argv[i] = strings.ReplaceAll(a, `\`, "/")
	}
	return argv
}

// Executor runs processes on the local machine.
type Executor struct {
	filters []ArgvFilter
	stdout  *os.File
	stderr  *os.File
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithArgvFilter appends a preprocessing step applied to argv before spawning.
func WithArgvFilter(f ArgvFilter) Option {
	return func(e *Executor) { e.filters = append(e.filters, f) }
}

// New creates a new Executor. Uncaptured child output goes to this process's stdout/stderr.
func New(opts ...Option) *Executor {
	e := &Executor{
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: log.WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs argv to completion. A process that starts and exits non-zero
// is a normal result; only a failure to start returns *SpawnError.
//
// The call blocks for the child's lifetime. If ctx is cancelled the child is
// sent SIGTERM, then SIGKILL after a grace period, and ctx.Err() is returned.
func (e *Executor) Execute(ctx context.Context, argv []string, opts protocol.Options) (*protocol.Result, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyArgv
	}

	args := append([]string(nil), argv...)
	for _, f := range e.filters {
		args = f(args)
	}

	// Don't use CommandContext - termination is managed below with a grace period.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), opts.Env)
	}

	var stdout, stderr bytes.Buffer
	if opts.CaptureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = e.stdout
		cmd.Stderr = e.stderr
	}

	e.logger.Debug("spawning process", "argv", args, "cwd", opts.Dir, "capture", opts.CaptureOutput)

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Argv: args, Err: err}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		e.terminate(cmd, waitErr)
		return nil, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait for process: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &protocol.Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (e *Executor) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	e.logger.Warn("execution cancelled, sending SIGTERM", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		e.logger.Warn("process did not exit after SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			e.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// mergeEnv overlays overrides on base, returning a deterministic environment list.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
