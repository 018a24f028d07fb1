package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/farmhand/internal/coordinator"
	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/executor"
	"github.com/mattjoyce/farmhand/internal/history"
	"github.com/mattjoyce/farmhand/internal/lock"
	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/status"
	"github.com/mattjoyce/farmhand/internal/storage"
)

func runServe(args []string) int {
	fs := newFlagSet("serve")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	port := fs.Int("port", -1, "Coordinator port (overrides server.port; 0 picks a free port)")
	fs.IntVar(port, "use_socket", -1, "Alias for --port, as passed by the farm console")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("farmhand serve starting", "version", version, "config", cfg.SourceFile)

	pidLock, err := lock.Acquire(cfg.Server.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another agent may be running)", "path", cfg.Server.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(256)
	filter := coordinator.DefaultLogFilter()
	if cfg.Server.StatusMarker != "" {
		filter.StatusMarker = cfg.Server.StatusMarker
	}
	coordOpts := []coordinator.Option{
		coordinator.WithEvents(hub),
		coordinator.WithLogFilter(filter),
	}
	statusOpts := []status.Option{
		status.WithEvents(hub),
		status.WithToken(cfg.Server.StatusToken),
	}

	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			logger.Error("failed to open history database", "path", cfg.History.Path, "error", err)
			return 1
		}
		defer db.Close()
		store := history.NewStore(db)
		coordOpts = append(coordOpts, coordinator.WithRecorder(store))
		statusOpts = append(statusOpts, status.WithHistory(store))
	}

	srv := coordinator.New(newExecutor(cfg.Toolchain.ForwardSlashPaths), coordOpts...)
	statusOpts = append(statusOpts, status.WithCoordinator(srv))

	l, err := coordinator.Listen(cfg.Server.Port)
	if err != nil {
		logger.Error("failed to bind coordinator", "port", cfg.Server.Port, "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, l)
	})
	if cfg.Server.StatusListen != "" {
		statusSrv := status.New(cfg.Server.StatusListen, log.WithComponent("status"), statusOpts...)
		g.Go(func() error {
			return statusSrv.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("farmhand serve failed", "error", err)
		return 1
	}
	logger.Info("farmhand serve stopped", "stats", srv.Stats())
	return 0
}

func newExecutor(forwardSlashes bool) *executor.Executor {
	var opts []executor.Option
	if forwardSlashes {
		opts = append(opts, executor.WithArgvFilter(executor.ForwardSlashPaths))
	}
	return executor.New(opts...)
}
