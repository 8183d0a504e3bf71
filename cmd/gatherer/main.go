package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kite-stream/internal/config"
	"github.com/rickgao/kite-stream/internal/database"
	"github.com/rickgao/kite-stream/internal/metrics"
	"github.com/rickgao/kite-stream/internal/multi"
	"github.com/rickgao/kite-stream/internal/ticks"
	"github.com/rickgao/kite-stream/internal/version"
	"github.com/rickgao/kite-stream/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/gatherer.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gatherer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"credentials", len(cfg.Credentials),
		"strategy", cfg.Strategy,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Timescale.Host,
		"port", cfg.Database.Timescale.Port,
		"database", cfg.Database.Timescale.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database.Timescale)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Create the multi-credential manager
	mgr, err := multi.New(cfg.MultiConfig(), logger)
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		os.Exit(1)
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		mgr.Stop(stopCtx)
	}()

	// Start the tick writer on the unified stream
	tickWriter := writer.NewTickWriter(writer.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
	}, mgr.UnifiedChannel(), pool, logger)
	if err := tickWriter.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		tickWriter.Stop(stopCtx)
	}()

	// Subscribe the configured instrument universe
	subscribed := 0
	for i, grp := range cfg.Symbols {
		mode := ticks.Mode(grp.Mode)
		var subErr error
		if grp.Credential != "" {
			subErr = mgr.SubscribeTo(grp.Credential, grp.Tokens, mode)
		} else {
			subErr = mgr.Subscribe(grp.Tokens, mode)
		}
		if subErr != nil {
			logger.Error("failed to subscribe symbol group",
				"group", i,
				"tokens", len(grp.Tokens),
				"error", subErr,
			)
			continue
		}
		subscribed += len(grp.Tokens)
	}
	logger.Info("symbols subscribed", "count", subscribed, "groups", len(cfg.Symbols))

	// Metrics + health server
	promMetrics := metrics.New()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				promMetrics.Observe(mgr.Stats())
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promMetrics.Handler())
	mux.HandleFunc("/health", healthHandler(pool, mgr))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("gatherer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	logger.Info("gatherer stopped")
}

// healthHandler reports database and connection pool health as JSON.
func healthHandler(pool *pgxpool.Pool, mgr *multi.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["timescaledb"] = "connected"
		}

		h := mgr.Health()
		health.Components["connections"] = map[string]any{
			"healthy": h.HealthyConnections,
			"total":   h.TotalConnections,
		}
		if h.Critical() {
			health.Status = "unhealthy"
		} else if h.Degraded() {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	}
}
