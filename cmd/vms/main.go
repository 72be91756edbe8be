// Package main is the VMS entry point: it wires the store, the event
// bus, the ingest supervisor, live streaming, retention and the HTTP
// gateway, then runs until a signal asks for a drain.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetcam/vms/internal/api"
	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/camera"
	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/database"
	"github.com/fleetcam/vms/internal/health"
	"github.com/fleetcam/vms/internal/ingest"
	"github.com/fleetcam/vms/internal/live"
	"github.com/fleetcam/vms/internal/playback"
	"github.com/fleetcam/vms/internal/reconcile"
	"github.com/fleetcam/vms/internal/retention"
	"github.com/fleetcam/vms/internal/storage"
	"github.com/fleetcam/vms/internal/store"
)

const (
	drainTimeout    = 30 * time.Second
	reverseSweepAge = 24 * time.Hour
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/data/vms.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.System.Logging)
	slog.Info("Starting VMS", "name", cfg.System.Name, "listen", cfg.System.ListenAddr)

	keyring, err := config.KeyringFromEnv()
	if err != nil {
		slog.Error("Camera credential key unavailable", "error", err)
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("Bad timezone", "tz", cfg.System.Timezone, "error", err)
		os.Exit(1)
	}

	if err := storage.EnsureDir(cfg.Storage.Path); err != nil {
		slog.Error("Storage root unavailable", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(database.DefaultConfig(cfg.System.Database.Path))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	st := store.New(db)

	eventBus, err := bus.New(bus.Config{})
	if err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}

	layout := storage.NewLayout(cfg.Storage.Path, loc)

	finalizer := ingest.NewFinalizer(st, layout, eventBus,
		cfg.Ingest.SegmentSeconds, cfg.Storage.RetentionDays)
	supervisor := ingest.NewSupervisor(ctx, st, layout, keyring, finalizer, eventBus, cfg.Ingest)

	reconciler := reconcile.New(st, layout, eventBus,
		*cfg.Storage.MarkMissingDeleted, cfg.Storage.RetentionDays, cfg.Ingest.SegmentSeconds)

	engine := retention.New(st, eventBus, reconciler, retention.Config{
		StoragePath:       cfg.Storage.Path,
		RetentionDays:     cfg.Storage.RetentionDays,
		MaxStorageGB:      float64(cfg.Storage.MaxStorageGB),
		MaxStoragePercent: float64(cfg.Storage.MaxStoragePercent),
	})

	liveMgr := live.NewManager(ctx, st, layout, keyring, cfg.Live)
	monitor := health.New(st, supervisor, eventBus, 0)
	cameras := camera.NewService(st, keyring, supervisor, "")

	go runReconciler(ctx, reconciler)

	startRecorders(ctx, st, supervisor)

	server, err := api.NewServer(api.Deps{
		Store:      st,
		Cameras:    cameras,
		Playback:   playback.NewService(st, layout),
		Exporter:   playback.NewExporter(st, layout, cfg.Ingest.FFmpegPath),
		Live:       liveMgr,
		Retention:  engine,
		Reconciler: reconciler,
		Monitor:    monitor,
		Bus:        eventBus,
		Auth:       cfg.Auth,
	})
	if err != nil {
		slog.Error("Failed to build API server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.System.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go engine.Run(ctx)
	go liveMgr.Run(ctx)
	go monitor.Run(ctx)

	if err := cfg.Watch(); err != nil {
		slog.Warn("Config watch unavailable", "error", err)
	}

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.System.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Signal received, draining", "signal", sig)
	case <-ctx.Done():
	}

	drain(httpServer, monitor, liveMgr, supervisor, eventBus, cancel)
	slog.Info("VMS stopped")
}

// runReconciler re-syncs the index with the disk once at boot, without
// holding up the recorders, and then hourly. Crashed runs leave
// unindexed segments behind.
func runReconciler(ctx context.Context, r *reconcile.Reconciler) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if report, err := r.Run(ctx, reverseSweepAge); err != nil {
			if ctx.Err() == nil {
				slog.Error("Reconciliation failed", "error", err)
			}
		} else if report.Recovered > 0 || report.MarkedDeleted > 0 {
			slog.Info("Reconciliation repaired index",
				"recovered", report.Recovered, "marked_deleted", report.MarkedDeleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startRecorders brings up recording for every active continuous
// camera found in the inventory.
func startRecorders(ctx context.Context, st *store.Store, sup *ingest.Supervisor) {
	cams, err := st.ListCameras(ctx, store.CameraFilter{ActiveOnly: true})
	if err != nil {
		slog.Error("Camera inventory unavailable at startup", "error", err)
		return
	}
	for i := range cams {
		cam := &cams[i]
		if cam.Mode != store.ModeContinuous {
			continue
		}
		if err := sup.Start(ctx, cam); err != nil {
			slog.Error("Recorder start failed at startup", "camera", cam.ID, "error", err)
		}
	}
}

// drain shuts the service down in order: stop accepting requests, tear
// down live sessions, stop recorders so their final segments finalize,
// then the bus. Everything gets drainTimeout in total.
func drain(httpServer *http.Server, monitor *health.Monitor, liveMgr *live.Manager,
	supervisor *ingest.Supervisor, eventBus *bus.Bus, cancel context.CancelFunc) {

	monitor.SetDraining(true)

	drainCtx, done := context.WithTimeout(context.Background(), drainTimeout)
	defer done()

	if err := httpServer.Shutdown(drainCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	g, _ := errgroup.WithContext(drainCtx)
	g.Go(func() error {
		liveMgr.Shutdown()
		return nil
	})
	g.Go(func() error {
		supervisor.Shutdown()
		return nil
	})

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-drainCtx.Done():
		slog.Warn("Drain deadline hit, forcing exit")
	}

	cancel()
	eventBus.Stop()
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
