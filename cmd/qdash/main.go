package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nstogner/qdash/pkg/controller"
	"github.com/nstogner/qdash/pkg/launcher"
	"github.com/nstogner/qdash/pkg/launcher/docker"
	"github.com/nstogner/qdash/pkg/server"
	"github.com/nstogner/qdash/pkg/settings"
	"github.com/nstogner/qdash/pkg/store"
	"github.com/nstogner/qdash/pkg/store/jsonl"
	"github.com/nstogner/qdash/pkg/store/sqlite"
	"github.com/nstogner/qdash/pkg/transport"
	"github.com/nstogner/qdash/pkg/transport/memory"
	"github.com/nstogner/qdash/pkg/transport/ws"
)

func main() {
	// Config.
	cfg, err := settings.Load(".env")
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	// Setup logger.
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize persistence.
	db, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize transport.
	var tr transport.Transport
	if cfg.Offline() {
		slog.Warn("QDASH_BACKEND_URL not set, running offline")
		tr = memory.New(memory.Offline(db.ListDrafts))
	} else {
		wsTr := ws.New(cfg.BackendURL)
		wsTr.Start(ctx)
		tr = wsTr
	}
	defer tr.Close()

	ctrlOpts := controller.Options{Drafts: db, Runs: db}
	if cfg.SMFile != "" {
		sm, err := settings.LoadStandardModel(cfg.SMFile)
		if err != nil {
			slog.Error("Failed to load standard model", "error", err)
			os.Exit(1)
		}
		ctrlOpts.StandardModel = sm
	}

	// Initialize launcher.
	if cfg.Launcher == settings.LauncherDocker {
		l, err := docker.New(cfg.SimImage)
		if err != nil {
			slog.Error("Failed to initialize launcher", "error", err)
			os.Exit(1)
		}
		defer l.Close()
		ctrlOpts.Launcher = l

		// Prune finished simulation containers in background.
		go runLauncher(ctx, l)
	}

	// Initialize controller.
	ctrl := controller.New(store.New(), transport.NewClient(tr, cfg.UserID), ctrlOpts)

	// Start controller in background.
	go func() {
		if err := ctrl.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Controller stopped unexpectedly", "error", err)
		}
	}()

	// Start server.
	srv := server.New(ctrl)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Start(cfg.Addr); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func runLauncher(ctx context.Context, l launcher.Launcher) {
	if err := l.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Simulation launcher stopped", "error", err)
	}
}

// backend persists drafts and runs.
type backend interface {
	store.DraftStore
	store.RunStore
	Close() error
}

func openStore(cfg settings.Settings) (backend, error) {
	if cfg.Store == settings.StoreJSONL {
		s, err := jsonl.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, err
	}
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return db, nil
}
