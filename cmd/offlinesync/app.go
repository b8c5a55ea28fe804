package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/afenda/offlinesync/cmd/offlinesync/handlers"
	"github.com/afenda/offlinesync/internal/config"
	"github.com/afenda/offlinesync/internal/logging"
	"github.com/afenda/offlinesync/internal/store"
	offsync "github.com/afenda/offlinesync/internal/sync"
	"github.com/afenda/offlinesync/internal/sync/queue"
	"github.com/afenda/offlinesync/internal/sync/scheduler"
	"github.com/afenda/offlinesync/internal/sync/transport"
	"github.com/afenda/offlinesync/internal/telemetry"
)

// daemon owns everything the run command starts.
type daemon struct {
	mu      sync.Mutex
	cfg     *config.Config
	logger  *logging.Logger
	store   *store.Store
	manager *offsync.Manager
	hub     *WSHub
}

// newDaemon opens the store and wires the manager from cfg. The manager is
// not initialized yet.
func newDaemon(cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	telemetry.SetEnabled(cfg.Telemetry.Enabled)

	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, err
	}

	client, err := transport.NewClient(transport.Config{
		BaseURL:           cfg.Server.BaseURL,
		Timeout:           cfg.Server.Timeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		AuthToken:         cfg.Server.AuthToken,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	manager := offsync.NewManager(offsync.Options{
		Store:     st,
		Transport: client,
		Logger:    logger,
		UserID:    cfg.User.ID,
		Queue:     queueConfig(cfg.Sync),
		Scheduler: &scheduler.SchedulerConfig{
			Interval:     cfg.Sync.Interval,
			CycleTimeout: cfg.Sync.CycleTimeout,
			StartOnline:  cfg.Sync.StartOnline,
		},
		RequestTimeout: cfg.Server.Timeout,
	})

	return &daemon{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		manager: manager,
	}, nil
}

func queueConfig(s config.SyncConfig) queue.Config {
	return queue.Config{
		BatchSize:  s.BatchSize,
		MaxRetries: s.MaxRetries,
		BaseDelay:  s.RetryBaseDelay,
		MaxDelay:   s.RetryMaxDelay,
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config) *logging.Logger {
	out := logging.NewRotatingWriter(cfg.LogFile())
	level := logging.ParseLevel(cfg.Log.Level)
	logging.Init(out, level)
	logger := logging.Get()
	logger.SetLevel(level)
	return logger
}

// mux mounts the admin API, the event stream and the metrics endpoint.
func (d *daemon) mux() *http.ServeMux {
	mux := http.NewServeMux()
	handlers.NewAdminHandler(d.manager).Register(mux)
	mux.Handle("GET /ws", HandleWebSocket(d.hub))
	mux.Handle("GET /metrics", telemetry.Handler())
	return mux
}

// applyConfig carries hot-reloadable settings into the running daemon.
func (d *daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	telemetry.SetEnabled(cfg.Telemetry.Enabled)
	if cfg.Sync.Interval != d.cfg.Sync.Interval {
		d.manager.SetSyncInterval(cfg.Sync.Interval)
	}
	d.logger.Info("Configuration reloaded", map[string]interface{}{
		"log_level":     cfg.Log.Level,
		"sync_interval": cfg.Sync.Interval.String(),
	})
	d.cfg = cfg
}

// serve runs the daemon on the configured admin address until ctx is
// cancelled.
func (d *daemon) serve(ctx context.Context) error {
	d.mu.Lock()
	addr := d.cfg.Admin.Listen
	d.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		d.store.Close()
		return err
	}
	return d.serveOn(ctx, ln)
}

// serveOn initializes the manager and serves the admin API on ln. On return
// the manager is disposed and the store closed.
func (d *daemon) serveOn(ctx context.Context, ln net.Listener) error {
	if err := d.manager.Init(ctx); err != nil {
		ln.Close()
		d.store.Close()
		return err
	}
	d.hub = NewWSHub(d.logger)
	stopEvents := d.hub.Forward(d.manager.Bus())

	defer func() {
		stopEvents()
		d.hub.Close()
		d.manager.Dispose()
		if err := d.store.Close(); err != nil {
			d.logger.Error("Failed to close store", err)
		}
	}()

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	srv := &http.Server{
		Handler:           d.mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("Admin API listening", map[string]interface{}{
			"addr":    ln.Addr().String(),
			"backend": cfg.Storage.Backend,
			"user_id": cfg.User.ID,
		})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	d.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
