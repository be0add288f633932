package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/relaychat"
	"github.com/MegaGrindStone/relaychat/internal/handlers"
	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/MegaGrindStone/relaychat/internal/services"
	"github.com/spf13/cobra"
)

const serviceName = "relaychat"

// store is what both the relay and the HTTP surface need from the history store.
type store interface {
	relay.Store
	handlers.Store
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Streaming chat relay between web clients and an LLM completion API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the YAML config file (default <user config dir>/relaychat/config.yaml)")

	return cmd
}

func run(ctx context.Context, cfgPath string) error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	dataDir := filepath.Join(cfgDir, serviceName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if cfgPath == "" {
		cfgPath = filepath.Join(dataDir, "config.yaml")
	}

	cfg, err := loadConfig(cfgPath, dataDir)
	if err != nil {
		return err
	}

	logger, logCloser, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to shutdown tracing", slog.String(observability.ErrLoggerKey, err.Error()))
		}
	}()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Failed to close store", slog.String(observability.ErrLoggerKey, err.Error()))
		}
	}()

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	metrics := observability.NewMetrics()
	r := relay.New(st, llm, relay.Options{
		Window: relay.Window{
			SystemPrompt: cfg.SystemPrompt,
			MaxPairs:     cfg.MaxHistoryPairs,
		},
		IdleTimeout:   cfg.IdleTimeout,
		MaxConcurrent: cfg.MaxConcurrentStreams,
		Metrics:       metrics,
		Logger:        logger,
	})

	m := handlers.NewMain(r, st, metrics, logger)

	staticFS, err := fs.Sub(relaychat.StaticFS, "static")
	if err != nil {
		return fmt.Errorf("error loading static files: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(serviceName, staticFS),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(observability.ErrLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("store", cfg.Store.Backend))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(observability.ErrLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(observability.ErrLoggerKey, err.Error()))
			}
		}
	}

	// Streams abandoned by a forced close may still be committing, the store stays open until they end.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Drain(drainCtx); err != nil {
		logger.Error("Failed to drain streams", slog.String(observability.ErrLoggerKey, err.Error()))
	}

	return nil
}

func openStore(cfg config) (store, func() error, error) {
	switch cfg.Store.Backend {
	case storeSQLite:
		db, err := services.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case storeMemory:
		trimPairs := 0
		if cfg.Store.TrimHistory {
			trimPairs = cfg.MaxHistoryPairs
		}
		return services.NewMemory(trimPairs), func() error { return nil }, nil
	default:
		db, err := services.NewBoltDB(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
}
