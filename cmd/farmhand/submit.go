package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/farmhand/internal/config"
	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/history"
	"github.com/mattjoyce/farmhand/internal/launcher"
	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
	"github.com/mattjoyce/farmhand/internal/remote"
	"github.com/mattjoyce/farmhand/internal/storage"
)

// envFlag collects repeated -env KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + e[k]
	}
	return strings.Join(parts, ",")
}

func (e envFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[k] = val
	return nil
}

// taskFlags are shared by exec and run.
type taskFlags struct {
	configPath string
	cwd        string
	env        envFlag
	timeout    time.Duration
}

func bindTaskFlags(fs *flag.FlagSet) *taskFlags {
	t := &taskFlags{env: envFlag{}}
	fs.StringVar(&t.configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&t.cwd, "cwd", "", "Working directory for the command")
	fs.Var(t.env, "env", "Environment override KEY=VALUE (repeatable)")
	fs.DurationVar(&t.timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	return t
}

func (t *taskFlags) options() protocol.Options {
	opts := protocol.Options{Dir: t.cwd, CaptureOutput: true}
	if len(t.env) > 0 {
		opts.Env = t.env
	}
	return opts
}

// taskContext returns a context cancelled by SIGINT/SIGTERM and, when set,
// the timeout.
func (t *taskFlags) taskContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if t.timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	return tctx, func() { cancel(); stop() }
}

func newRemoteClient(cfg *config.Config, port int) *remote.Client {
	return remote.NewClientAddr(
		net.JoinHostPort(cfg.Remote.Host, strconv.Itoa(port)),
		remote.WithDialRetryInterval(cfg.Remote.DialRetryInterval),
		remote.WithMaxAttempts(cfg.Remote.MaxAttempts),
		remote.WithResendOnReset(cfg.ResendOnReset()),
	)
}

func writeResult(stdout, stderr io.Writer, res *protocol.Result) {
	_, _ = io.WriteString(stdout, res.Stdout)
	_, _ = io.WriteString(stderr, res.Stderr)
}

func runExec(args []string) int {
	fs := newFlagSet("exec")
	tf := bindTaskFlags(fs)
	port := fs.Int("port", 0, "Coordinator port (overrides remote.port)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: farmhand exec [flags] -- argv...")
		return exitUsage
	}

	cfg, err := loadConfig(tf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *port == 0 {
		*port = cfg.Remote.Port
	}
	if *port <= 0 {
		fmt.Fprintln(os.Stderr, "No coordinator port: pass --port or set remote.port")
		return exitUsage
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, cancel := tf.taskContext()
	defer cancel()

	client := newRemoteClient(cfg, *port)
	res, err := client.Submit(ctx, protocol.NewRequest(argv, tf.options()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "farmhand: %v\n", err)
		return exitInfrastructure
	}
	writeResult(os.Stdout, os.Stderr, res)
	return res.ExitCode
}

func runRun(args []string) int {
	fs := newFlagSet("run")
	tf := bindTaskFlags(fs)
	taskFile := fs.String("f", "", "Read one command per line from this file (- for stdin)")
	jobs := fs.Int("j", -1, "Local slots (overrides local.max_jobs)")
	useSocket := fs.Int("use_socket", 0, "Coordinator port already serving this build; never launch a console")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *useSocket < 0 || *useSocket > 65535 {
		fmt.Fprintf(os.Stderr, "Invalid --use_socket port: %d\n", *useSocket)
		return exitUsage
	}

	var tasks [][]string
	if *taskFile != "" {
		var err error
		if tasks, err = readTasks(*taskFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read tasks: %v\n", err)
			return exitUsage
		}
	} else if fs.NArg() > 0 {
		tasks = [][]string{fs.Args()}
	}
	if len(tasks) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: farmhand run [flags] -- argv...   or   farmhand run -f tasks.txt")
		return exitUsage
	}

	cfg, err := loadConfig(tf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *jobs >= 0 {
		cfg.Local.MaxJobs = jobs
	}
	if *useSocket > 0 {
		cfg.Remote.Enabled = true
		cfg.Remote.Port = *useSocket
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	ctx, cancel := tf.taskContext()
	defer cancel()

	var teardown launcher.Teardown
	defer func() {
		if err := teardown.Run(); err != nil {
			logger.Warn("farm teardown failed", "error", err)
		}
	}()

	opts, closeFn, err := dispatchOptions(ctx, cfg, &teardown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "farmhand: %v\n", err)
		return exitInfrastructure
	}
	defer closeFn()

	d := dispatch.New(newExecutor(cfg.Toolchain.ForwardSlashPaths), cfg.MaxLocalJobs(), opts...)

	results, errs := runTasks(ctx, d, tasks, tf.options())

	code := 0
	for i := range tasks {
		if errs[i] != nil {
			fmt.Fprintf(os.Stderr, "farmhand: %s: %v\n", strings.Join(tasks[i], " "), errs[i])
			if code == 0 {
				code = exitInfrastructure
			}
			continue
		}
		writeResult(os.Stdout, os.Stderr, results[i])
		if code == 0 && results[i].ExitCode != 0 {
			code = results[i].ExitCode
		}
	}
	logger.Debug("run finished", "stats", d.Stats())
	return code
}

// dispatchOptions wires the remote side and history for a run. When remote is
// enabled without a fixed port, a port is reserved and the farm console is
// launched against it.
func dispatchOptions(ctx context.Context, cfg *config.Config, teardown *launcher.Teardown) ([]dispatch.Option, func(), error) {
	opts := []dispatch.Option{dispatch.WithEvents(events.NewHub(64))}
	closeFn := func() {}

	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open history: %w", err)
		}
		closeFn = func() { _ = db.Close() }
		opts = append(opts, dispatch.WithRecorder(history.NewStore(db)))
	}

	if !cfg.Remote.Enabled {
		return opts, closeFn, nil
	}

	port := cfg.Remote.Port
	if port == 0 {
		reserved, err := remote.ReservePort()
		if err != nil {
			closeFn()
			return nil, func() {}, err
		}
		port = reserved

		command := cfg.Launcher.Command
		if command == "" {
			command = launcher.Reinvocation(reinvocationArgs(os.Args, port))
		}
		console := launcher.NewConsole(cfg.Launcher.Binary, command, cfg.Launcher.Flags)
		h, err := console.Launch(ctx, port)
		if err != nil {
			closeFn()
			return nil, func() {}, err
		}
		teardown.Register(h)
	}

	allow := dispatch.NewAllowList(cfg.Remote.AllowList...)
	opts = append(opts, dispatch.WithRemote(newRemoteClient(cfg, port), allow))
	return opts, closeFn, nil
}

// reinvocationArgs returns args with --use_socket=<port> placed after the
// subcommand, so the relaunched build connects to port instead of reserving
// a port and launching another console.
func reinvocationArgs(args []string, port int) []string {
	opt := "--use_socket=" + strconv.Itoa(port)
	if len(args) < 2 {
		return append(append([]string(nil), args...), opt)
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[:2]...)
	out = append(out, opt)
	return append(out, args[2:]...)
}

// runTasks submits every task concurrently and waits for all of them.
// Results and errors are indexed like tasks; one failure does not cancel
// the others.
func runTasks(ctx context.Context, d *dispatch.Dispatcher, tasks [][]string, opts protocol.Options) ([]*protocol.Result, []error) {
	results := make([]*protocol.Result, len(tasks))
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, argv := range tasks {
		wg.Go(func() {
			results[i], errs[i] = d.Submit(ctx, argv, opts)
		})
	}
	wg.Wait()
	return results, errs
}

// readTasks parses one whitespace-separated command per line. Blank lines and
// lines starting with # are skipped.
func readTasks(path string) ([][]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var tasks [][]string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tasks = append(tasks, strings.Fields(line))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.New("no tasks")
	}
	return tasks, nil
}

func runReservePort(args []string) int {
	fs := newFlagSet("reserve-port")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	port, err := remote.ReservePort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "farmhand: %v\n", err)
		return exitInfrastructure
	}
	fmt.Println(port)
	return 0
}
