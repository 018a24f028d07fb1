// Package coordinator runs commands on behalf of remote clients.
//
// Every accepted connection is served on its own goroutine: read one
// sentinel-terminated request, run it locally with output captured, write the
// result and close. A bad client only ever takes down its own connection.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/executor"
	"github.com/mattjoyce/farmhand/internal/history"
	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

// Runner executes a command on the agent machine.
type Runner interface {
	Execute(ctx context.Context, argv []string, opts protocol.Options) (*protocol.Result, error)
}

// Recorder persists finished executions. history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Accepted       int64 `json:"accepted"`
	Active         int64 `json:"active"`
	Completed      int64 `json:"completed"`
	SpawnFailures  int64 `json:"spawn_failures"`
	ProtocolErrors int64 `json:"protocol_errors"`
}

// Server is a coordinator listening on a single TCP socket.
type Server struct {
	runner   Runner
	recorder Recorder
	hub      *events.Hub
	filter   LogFilter
	logger   *slog.Logger

	accepted       atomic.Int64
	active         atomic.Int64
	completed      atomic.Int64
	spawnFailures  atomic.Int64
	protocolErrors atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithRecorder records every execution the server performs.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithEvents publishes task lifecycle events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLogFilter replaces the filter applied to child output before it is logged.
func WithLogFilter(f LogFilter) Option {
	return func(s *Server) { s.filter = f }
}

// New creates a new Server that runs commands with runner.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		filter: DefaultLogFilter(),
		logger: log.WithComponent("coordinator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the coordinator socket on localhost. Port 0 picks a free port.
// The kernel's maximum accept backlog is used.
func Listen(port int) (net.Listener, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return l, nil
}

// ListenAndServe binds localhost:port and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	l, err := Listen(port)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled or the listener
// fails. The listener is owned by Serve and closed on return. In-flight
// connections are allowed to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.Close()

	s.logger.Info("coordinator listening", "addr", l.Addr().String())

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("coordinator stopping, waiting for in-flight connections")
				s.conns.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return fmt.Errorf("accept: %w", err)
			}
			// Transient failures such as EMFILE or ECONNABORTED: back off and keep accepting.
			delay = nextAcceptDelay(delay)
			s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
			continue
		}
		delay = 0

		s.accepted.Add(1)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

const maxAcceptDelay = time.Second

// nextAcceptDelay doubles the accept retry delay from 5ms up to maxAcceptDelay.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptDelay)
}

// Addr returns the bound address once Serve has started, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:       s.accepted.Load(),
		Active:         s.active.Load(),
		Completed:      s.completed.Load(),
		SpawnFailures:  s.spawnFailures.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
	}
}

// ServeConn handles exactly one request/response round trip on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)
	defer conn.Close()

	logger := log.WithConn(conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection handler panicked", "panic", r)
		}
	}()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			s.protocolErrors.Add(1)
		}
		logger.Warn("dropping connection: bad request", "error", err)
		return
	}

	taskID := uuid.NewString()
	logger = logger.With("task_id", taskID, "argv0", req.Argv[0])
	s.publish(events.TaskStarted, taskID, req.Argv, nil)

	opts := req.Options
	opts.CaptureOutput = true

	start := time.Now()
	res, err := s.runner.Execute(ctx, req.Argv, opts)
	elapsed := time.Since(start)

	if err != nil {
		var spawnErr *executor.SpawnError
		if !errors.As(err, &spawnErr) {
			logger.Error("execution aborted", "error", err)
			s.record(ctx, logger, taskID, req.Argv, nil, err, elapsed)
			return
		}
		s.spawnFailures.Add(1)
		logger.Warn("spawn failed", "error", err)
		res = &protocol.Result{ExitCode: -1, Error: err.Error()}
	}

	s.logOutput(logger, req.Argv, res, elapsed)

	if err := protocol.EncodeResult(conn, res); err != nil {
		logger.Warn("failed to send result", "error", err)
		s.record(ctx, logger, taskID, req.Argv, res, err, elapsed)
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	s.completed.Add(1)
	s.record(ctx, logger, taskID, req.Argv, res, nil, elapsed)
}

// logOutput writes the child's output to the local log after stripping
// vendor noise. The result sent to the client is never filtered.
func (s *Server) logOutput(logger *slog.Logger, argv []string, res *protocol.Result, elapsed time.Duration) {
	stdout := s.filter.Apply(argv, res.Stdout)
	logger.Info("command finished", "exit_code", res.ExitCode, "duration", elapsed)
	if stdout != "" {
		logger.Debug("command stdout", "stdout", stdout)
	}
	if res.Stderr != "" {
		logger.Debug("command stderr", "stderr", res.Stderr)
	}
}

func (s *Server) record(ctx context.Context, logger *slog.Logger, id string, argv []string, res *protocol.Result, err error, elapsed time.Duration) {
	s.publish(events.TaskCompleted, id, argv, res)
	if s.recorder == nil {
		return
	}

	entry := history.Entry{
		ID:       id,
		Argv:     argv,
		Route:    history.RouteServer,
		ExitCode: -1,
		Duration: elapsed,
	}
	if res != nil {
		entry.ExitCode = res.ExitCode
		entry.Error = res.Error
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if rerr := s.recorder.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		logger.Error("failed to record task", "error", rerr)
	}
}

func (s *Server) publish(kind, id string, argv []string, res *protocol.Result) {
	if s.hub == nil {
		return
	}
	data := map[string]any{"task_id": id, "argv": argv, "route": history.RouteServer}
	if res != nil {
		data["exit_code"] = res.ExitCode
	}
	s.hub.Publish(kind, data)
}
