package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/executor"
	"github.com/mattjoyce/farmhand/internal/history"
	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
	"github.com/mattjoyce/farmhand/internal/remote"
)

var (
	// ErrEmptyArgv is returned when a task names no program.
	ErrEmptyArgv = errors.New("dispatch: argv is empty")

	// ErrNoLocalCapacity is returned for a task that can only run locally
	// when the policy has no local slots at all.
	ErrNoLocalCapacity = errors.New("dispatch: no local slots and tool is not allow-listed for remote")
)

// Stats is a snapshot of dispatch counters.
type Stats struct {
	MaxLocal int   `json:"max_local"`
	Running  int64 `json:"running_local"`
	Local    int64 `json:"local"`
	Remote   int64 `json:"remote"`
	Queued   int64 `json:"queued"`
	Failed   int64 `json:"infrastructure_failures"`
}

// Dispatcher routes build tasks to the local executor or the remote coordinator.
// One Dispatcher is created per build invocation and shared by all build workers.
type Dispatcher struct {
	local    LocalRunner
	remote   RemoteSubmitter
	allow    AllowList
	slots    *semaphore.Weighted
	maxLocal int

	recorder Recorder
	hub      *events.Hub
	notices  *notices
	logger   *slog.Logger

	running atomic.Int64
	nLocal  atomic.Int64
	nRemote atomic.Int64
	nQueued atomic.Int64
	nFailed atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRemote enables overflow to the farm for tools in allow.
func WithRemote(r RemoteSubmitter, allow AllowList) Option {
	return func(d *Dispatcher) {
		d.remote = r
		d.allow = allow
	}
}

// WithRecorder records every finished task.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithEvents publishes task lifecycle events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = hub }
}

// New creates a new Dispatcher with maxLocal concurrent local slots.
func New(local LocalRunner, maxLocal int, opts ...Option) *Dispatcher {
	if maxLocal < 0 {
		maxLocal = 0
	}
	d := &Dispatcher{
		local:    local,
		slots:    semaphore.NewWeighted(int64(maxLocal)),
		maxLocal: maxLocal,
		notices:  newNotices(),
		logger:   log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit runs one task and blocks until it finishes. The returned result's
// exit code is the tool's own; errors are infrastructure failures only.
func (d *Dispatcher) Submit(ctx context.Context, argv []string, opts protocol.Options) (*protocol.Result, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyArgv
	}

	if d.slots.TryAcquire(1) {
		return d.runLocal(ctx, argv, opts)
	}

	if d.remote != nil && d.allow.Contains(argv[0]) {
		return d.runRemote(ctx, argv, opts)
	}

	if d.maxLocal == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalCapacity, normalizeTool(argv[0]))
	}

	tool := normalizeTool(argv[0])
	if d.notices.first("queued:" + tool) {
		d.logger.Info("local slots busy, queuing tool that cannot run remotely", "tool", tool)
	}
	d.nQueued.Add(1)
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for local slot: %w", err)
	}
	return d.runLocal(ctx, argv, opts)
}

// runLocal executes argv while holding one slot, which it always releases.
func (d *Dispatcher) runLocal(ctx context.Context, argv []string, opts protocol.Options) (*protocol.Result, error) {
	defer d.slots.Release(1)

	d.running.Add(1)
	defer d.running.Add(-1)
	d.nLocal.Add(1)

	id := uuid.NewString()
	d.publish(events.TaskStarted, id, argv, history.RouteLocal, nil)

	start := time.Now()
	res, err := d.local.Execute(ctx, argv, opts)
	d.finish(ctx, id, argv, history.RouteLocal, res, err, time.Since(start))
	return res, err
}

func (d *Dispatcher) runRemote(ctx context.Context, argv []string, opts protocol.Options) (*protocol.Result, error) {
	d.nRemote.Add(1)

	id := uuid.NewString()
	d.publish(events.TaskStarted, id, argv, history.RouteRemote, nil)

	start := time.Now()
	res, err := d.remote.Submit(ctx, protocol.NewRequest(argv, opts))
	d.finish(ctx, id, argv, history.RouteRemote, res, err, time.Since(start))
	return res, err
}

func (d *Dispatcher) finish(ctx context.Context, id string, argv []string, route history.Route, res *protocol.Result, err error, elapsed time.Duration) {
	logger := log.WithTask(id).With("route", route, "tool", normalizeTool(argv[0]))
	if err != nil {
		d.nFailed.Add(1)
		logger.Error("task failed to run", "error", err, "infrastructure", IsInfrastructure(err))
	} else {
		logger.Debug("task finished", "exit_code", res.ExitCode, "duration", elapsed)
	}

	d.publish(events.TaskCompleted, id, argv, route, res)
	if d.recorder == nil {
		return
	}

	entry := history.Entry{ID: id, Argv: argv, Route: route, ExitCode: -1, Duration: elapsed}
	if res != nil {
		entry.ExitCode = res.ExitCode
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if rerr := d.recorder.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		logger.Error("failed to record task", "error", rerr)
	}
}

func (d *Dispatcher) publish(kind, id string, argv []string, route history.Route, res *protocol.Result) {
	if d.hub == nil {
		return
	}
	data := map[string]any{"task_id": id, "argv": argv, "route": route}
	if res != nil {
		data["exit_code"] = res.ExitCode
	}
	d.hub.Publish(kind, data)
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		MaxLocal: d.maxLocal,
		Running:  d.running.Load(),
		Local:    d.nLocal.Load(),
		Remote:   d.nRemote.Load(),
		Queued:   d.nQueued.Load(),
		Failed:   d.nFailed.Load(),
	}
}

// RemoteEnabled reports whether overflow to the farm is configured.
func (d *Dispatcher) RemoteEnabled() bool {
	return d.remote != nil && d.allow.Len() > 0
}

// IsInfrastructure reports whether err is a coordinator infrastructure failure
// (spawn, wire protocol or remote agent) as opposed to a cancelled task.
func IsInfrastructure(err error) bool {
	var (
		spawnErr  *executor.SpawnError
		protoErr  *protocol.ProtocolError
		remoteErr *remote.RemoteError
	)
	return errors.As(err, &spawnErr) ||
		errors.As(err, &protoErr) ||
		errors.As(err, &remoteErr) ||
		errors.Is(err, remote.ErrAttemptsExhausted) ||
		errors.Is(err, ErrNoLocalCapacity)
}

// notices remembers which one-off messages were already logged. It is owned
// by a single Dispatcher so independent instances never share state.
type notices struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newNotices() *notices {
	return &notices{seen: make(map[string]struct{})}
}

// first reports whether key is seen for the first time.
func (n *notices) first(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.seen[key]; ok {
		return false
	}
	n.seen[key] = struct{}{}
	return true
}
