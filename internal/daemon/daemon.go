// Package daemon assembles the long-running syntheme process: single
// instance locking, preflight checks, the render scheduler, the cleanup
// sweeper, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"syntheme/internal/artifacts"
	"syntheme/internal/config"
	"syntheme/internal/engine"
	"syntheme/internal/logging"
	"syntheme/internal/pipeline"
	"syntheme/internal/preflight"
	"syntheme/internal/queue"
	"syntheme/internal/render"
	"syntheme/internal/scheduler"
	"syntheme/internal/synthemes"
	"syntheme/internal/uploads"
)

// ErrAlreadyRunning reports that another daemon holds the instance lock.
var ErrAlreadyRunning = errors.New("another syntheme daemon is already running")

// Daemon owns the runtime components of a syntheme process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock    *flock.Flock
	store   *queue.Store
	service *pipeline.Service
	sched   *scheduler.Scheduler
	sweeper *artifacts.Sweeper
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New builds a daemon from configuration. The instance lock is acquired
// here so a second process fails fast.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.WithComponent(logger, "daemon")

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.LogDir, "synthemed.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	store, err := queue.Open(cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	registry, err := synthemes.Load(cfg.Paths.SynthemesDir, logger)
	if err != nil {
		store.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("load synthemes: %w", err)
	}

	eng := engine.NewFFmpeg(cfg.Render.FFmpegBinary, logger)
	artifactStore := artifacts.NewStore(cfg, store, logger)
	runner := render.NewRunner(cfg, store, registry, eng, artifactStore, logger)
	sched := scheduler.New(cfg, store, runner, logger)
	intake := uploads.NewIntake(cfg, store, logger)
	service := pipeline.New(cfg, store, registry, intake, sched, artifactStore, logger)
	sweeper := artifacts.NewSweeper(cfg, store, artifactStore, logger)

	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		lock:    lock,
		store:   store,
		service: service,
		sched:   sched,
		sweeper: sweeper,
		server: &http.Server{
			Handler:           NewRouter(service, cfg.MaxUploadBytes(), logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Service exposes the pipeline service, used by tests and embedded callers.
func (d *Daemon) Service() *pipeline.Service {
	return d.service
}

// Addr returns the bound API address once Run has started listening.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Run executes the daemon until ctx is cancelled. Preflight failures for
// required checks abort startup.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	if failed := preflight.Failed(preflight.RunAll(ctx, d.cfg)); len(failed) > 0 {
		for _, result := range failed {
			d.logger.Error("preflight check failed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail))
		}
		return fmt.Errorf("%d preflight check(s) failed", len(failed))
	}

	if err := d.sched.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	listener, err := net.Listen("tcp", d.cfg.Paths.APIBind)
	if err != nil {
		return fmt.Errorf("bind api address %s: %w", d.cfg.Paths.APIBind, err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sched.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweeper.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := d.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	d.logger.Info("daemon started",
		logging.String("addr", listener.Addr().String()),
		logging.Int("max_workers", d.cfg.Render.MaxConcurrent))

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok && err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("api server: %w", err)
		}
	}

	d.logger.Info("daemon shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace())
	defer shutdownCancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api shutdown incomplete", logging.Error(err))
	}

	cancel()
	wg.Wait()
	return nil
}

// Close releases the daemon's resources. Safe to call more than once.
func (d *Daemon) Close() {
	if d.store != nil {
		d.store.Close()
		d.store = nil
	}
	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release instance lock", logging.Error(err))
		}
		d.lock = nil
	}
}
