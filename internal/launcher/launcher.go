// Package launcher starts and tears down the vendor farm console that hosts
// the coordinator for a build.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/farmhand/internal/log"
)

// DefaultGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Launcher starts a farm agent told to listen on port.
type Launcher interface {
	Launch(ctx context.Context, port int) (Handle, error)
}

// Handle is a running farm agent.
type Handle interface {
	Pid() int
	Stop() error
}

// Console launches the vendor console binary as
//
//	<binary> /command=<reinvocation> --use_socket=<port> <flags...>
//
// Command is passed through verbatim. When it reinvokes the same build tool,
// it must tell that process which port to use (see the farmhand CLI's
// --use_socket), or the child would launch a console of its own.
type Console struct {
	Binary  string
	Command string
	Flags   []string
	Grace   time.Duration
	Stdout  io.Writer
	Stderr  io.Writer

	logger *slog.Logger
}

// NewConsole returns a Console with the default grace period that shares
// this process's stdout and stderr.
func NewConsole(binary, command string, flags []string) *Console {
	return &Console{
		Binary:  binary,
		Command: command,
		Flags:   append([]string(nil), flags...),
		Grace:   DefaultGracePeriod,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		logger:  log.WithComponent("launcher"),
	}
}

// Argv returns the full console command line for port.
func (c *Console) Argv(port int) []string {
	argv := make([]string, 0, 3+len(c.Flags))
	argv = append(argv, c.Binary, "/command="+c.Command, "--use_socket="+strconv.Itoa(port))
	return append(argv, c.Flags...)
}

// Launch starts the console. It does not wait for the coordinator to listen;
// clients retry their dial until it does.
func (c *Console) Launch(ctx context.Context, port int) (Handle, error) {
	if c.Binary == "" {
		return nil, fmt.Errorf("launcher binary is not configured")
	}
	if c.Command == "" {
		return nil, fmt.Errorf("launcher command is not configured")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid coordinator port %d", port)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := c.Argv(port)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	logger := c.logger
	if logger == nil {
		logger = log.WithComponent("launcher")
	}
	logger.Info("farm console started", "pid", cmd.Process.Pid, "port", port)

	grace := c.Grace
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	p := &process{cmd: cmd, grace: grace, done: make(chan struct{}), logger: logger}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	grace  time.Duration
	done   chan struct{}
	logger *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
// A process that already exited is not an error.
func (p *process) Stop() error {
	p.stopOnce.Do(func() { p.stopErr = p.stop() })
	return p.stopErr
}

func (p *process) stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to send SIGTERM to farm console", "pid", p.Pid(), "error", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		p.logger.Info("farm console stopped", "pid", p.Pid())
		return nil
	case <-timer.C:
	}

	p.logger.Warn("farm console ignored SIGTERM, sending SIGKILL", "pid", p.Pid())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill farm console: %w", err)
	}
	<-p.done
	return nil
}

// Reinvocation renders args as a single command line, quoting arguments
// that contain whitespace or quotes.
func Reinvocation(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
