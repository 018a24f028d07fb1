package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "") // Suppress logs in tests
	os.Exit(m.Run())
}

// helperArgv re-invokes the test binary as a controlled child process.
func helperArgv(args ...string) []string {
	return append([]string{os.Args[0], "-test.run=TestHelperProcess", "--"}, args...)
}

func helperOpts(capture bool) protocol.Options {
	return protocol.Options{
		Env:           map[string]string{"FARMHAND_HELPER": "1"},
		CaptureOutput: capture,
	}
}

// TestHelperProcess is not a real test. It is the child process used by the tests above.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FARMHAND_HELPER") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		os.Exit(100)
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "exit":
		code, _ := strconv.Atoi(args[0])
		os.Exit(code)
	case "echo":
		fmt.Fprintln(os.Stdout, strings.Join(args, " "))
		os.Exit(0)
	case "stderr":
		fmt.Fprintln(os.Stderr, strings.Join(args, " "))
		os.Exit(3)
	case "pwd":
		wd, _ := os.Getwd()
		fmt.Fprint(os.Stdout, wd)
		os.Exit(0)
	case "getenv":
		fmt.Fprint(os.Stdout, os.Getenv(args[0]))
		os.Exit(0)
	case "sleep":
		d, _ := time.ParseDuration(args[0])
		time.Sleep(d)
		os.Exit(0)
	}
	os.Exit(101)
}

func TestExecuteExitCodes(t *testing.T) {
	e := New()
	for _, code := range []int{0, 1, 2, 7, 42, 255} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			res, err := e.Execute(context.Background(), helperArgv("exit", strconv.Itoa(code)), helperOpts(true))
			require.NoError(t, err)
			assert.Equal(t, code, res.ExitCode)
		})
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	e := New()

	res, err := e.Execute(context.Background(), helperArgv("echo", "hello", "world"), helperOpts(true))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello world\n", res.Stdout)
	assert.Empty(t, res.Stderr)

	res, err = e.Execute(context.Background(), helperArgv("stderr", "boom"), helperOpts(true))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
}

func TestExecuteWithoutCapture(t *testing.T) {
	e := New()
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer devnull.Close()
	e.stdout, e.stderr = devnull, devnull

	res, err := e.Execute(context.Background(), helperArgv("echo", "hidden"), helperOpts(false))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)
}

func TestExecuteWorkingDirectoryAndEnv(t *testing.T) {
	e := New()
	dir := t.TempDir()

	opts := helperOpts(true)
	opts.Dir = dir
	res, err := e.Execute(context.Background(), helperArgv("pwd"), opts)
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(res.Stdout)
	assert.Equal(t, want, got)

	opts = helperOpts(true)
	opts.Env["FARMHAND_EXTRA"] = "extra-value"
	res, err = e.Execute(context.Background(), helperArgv("getenv", "FARMHAND_EXTRA"), opts)
	require.NoError(t, err)
	assert.Equal(t, "extra-value", res.Stdout)
}

func TestExecuteSpawnError(t *testing.T) {
	e := New()
	res, err := e.Execute(context.Background(), []string{filepath.Join(t.TempDir(), "no-such-binary")}, protocol.Options{CaptureOutput: true})
	assert.Nil(t, res)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "want SpawnError, got %v", err)
	assert.Contains(t, spawnErr.Error(), "no-such-binary")
}

func TestExecuteSpawnErrorPermissionDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-executable")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	_, err := New().Execute(context.Background(), []string{path}, protocol.Options{})
	var spawnErr *SpawnError
	assert.True(t, errors.As(err, &spawnErr))
}

func TestExecuteEmptyArgv(t *testing.T) {
	_, err := New().Execute(context.Background(), nil, protocol.Options{})
	assert.ErrorIs(t, err, ErrEmptyArgv)
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New().Execute(ctx, helperArgv("sleep", "30s"), helperOpts(true))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestArgvFilterWorksOnCopy(t *testing.T) {
	var seen []string
	e := New(
		WithArgvFilter(ForwardSlashPaths),
		WithArgvFilter(func(argv []string) []string {
			seen = append([]string(nil), argv...)
			return argv
		}),
	)

	argv := helperArgv("echo", `src\lib\a.c`)
	original := append([]string(nil), argv...)

	res, err := e.Execute(context.Background(), argv, helperOpts(true))
	require.NoError(t, err)
	assert.Equal(t, "src/lib/a.c\n", res.Stdout)
	assert.Equal(t, original, argv, "caller argv must not be mutated")
	assert.Equal(t, "src/lib/a.c", seen[len(seen)-1])
}

func TestForwardSlashPaths(t *testing.T) {
	got := ForwardSlashPaths([]string{`C:\a\b.c`, "-I", `..\inc`, "plain"})
	assert.Equal(t, []string{"C:/a/b.c", "-I", "../inc", "plain"}, got)
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2", "C=3"}, map[string]string{"B": "two", "D": "4"})
	assert.Equal(t, []string{"A=1", "C=3", "B=two", "D=4"}, got)
}

func TestExecuteMatchesRealExitCode(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	res, err := New().Execute(context.Background(), []string{sh, "-c", "exit 9"}, protocol.Options{CaptureOutput: true})
	require.NoError(t, err)
	assert.Equal(t, 9, res.ExitCode)
}
