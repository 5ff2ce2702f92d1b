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
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mkarp/polybook/internal/book"
	"github.com/mkarp/polybook/internal/clob"
	"github.com/mkarp/polybook/internal/config"
	"github.com/mkarp/polybook/internal/database"
	"github.com/mkarp/polybook/internal/depth"
	"github.com/mkarp/polybook/internal/feed"
	"github.com/mkarp/polybook/internal/metrics"
	"github.com/mkarp/polybook/internal/recorder"
	"github.com/mkarp/polybook/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bookwatch.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bookwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"rest_url", cfg.CLOB.RestURL,
		"ws_url", cfg.Feed.WSURL,
		"instruments", len(cfg.Instruments),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	registry := metrics.Init()

	// Optional recorder database
	var pool *pgxpool.Pool
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")
	}

	clobClient := clob.NewClient(
		cfg.CLOB.RestURL,
		clob.WithLogger(logger),
		clob.WithTimeout(cfg.CLOB.Timeout),
		clob.WithRetries(cfg.CLOB.MaxRetries, cfg.CLOB.RetryBackoff),
	)

	store := book.NewStore(logger)

	feedCfg := feed.ManagerConfig{
		URL:                cfg.Feed.WSURL,
		ReconnectBaseDelay: cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Feed.ReconnectMaxDelay,
		IdleLinger:         cfg.Feed.IdleLinger,
		InitialDump:        *cfg.Feed.InitialDump,
		Client: feed.ClientConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     cfg.Feed.PingInterval,
			PingTimeout:      cfg.Feed.PingTimeout,
			WriteTimeout:     5 * time.Second,
			BufferSize:       cfg.Feed.BufferSize,
		},
	}
	manager := feed.NewManager(feedCfg, store, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start feed manager", "error", err)
		os.Exit(1)
	}
	defer stopComponent("feed manager", manager.Stop, logger)

	depthCfg := depth.Config{
		SnapshotTimeout: cfg.Depth.SnapshotTimeout,
		SnapshotRetries: cfg.Depth.SnapshotRetries,
		RetryBackoff:    cfg.Depth.RetryBackoff,
		EvictionGrace:   cfg.Depth.EvictionGrace,
		MaxDepthLevels:  cfg.Depth.MaxDepthLevels,
	}
	svc := depth.NewService(depthCfg, store, clobClient, manager, logger)
	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start depth service", "error", err)
		os.Exit(1)
	}
	defer stopComponent("depth service", svc.Stop, logger)

	// Hold the configured instruments for the process lifetime.
	if len(cfg.Instruments) > 0 {
		handle, err := svc.Subscribe(cfg.Instruments...)
		if err != nil {
			logger.Error("failed to subscribe instruments", "error", err)
			os.Exit(1)
		}
		defer handle.Release()
		logger.Info("subscribed instruments", "count", len(cfg.Instruments))
	}

	if cfg.Recorder.Enabled {
		rec := recorder.New(recorder.Config{
			Interval:    cfg.Recorder.Interval,
			DepthLevels: cfg.Recorder.DepthLevels,
			Instance:    cfg.Instance.ID,
		}, store, pool, logger)
		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
		defer stopComponent("recorder", rec.Stop, logger)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHandler(cfg, registry, svc, manager, pool),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("bookwatch running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/healthz", cfg.Metrics.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		cancel()
	}

	logger.Info("bookwatch stopped")
}

// stopComponent runs a Stop func with a bounded shutdown context.
func stopComponent(name string, stop func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn("component stop failed", "component", name, "error", err)
	}
}

// createHandler wires the metrics, health, and read endpoints.
func createHandler(cfg *config.Config, registry *prometheus.Registry, svc *depth.Service, manager feed.Manager, pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(cfg.Metrics.Path, metrics.Handler(registry))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		state := manager.State()
		health.Components["feed"] = state.String()
		if state == feed.StateReconnecting || state == feed.StateConnecting {
			health.Status = "degraded"
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		health.Components["instruments"] = len(manager.Subscribed())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		tokenID := r.URL.Query().Get("token_id")
		if tokenID == "" {
			http.Error(w, "token_id is required", http.StatusBadRequest)
			return
		}
		if !svc.Seeded(tokenID) {
			http.Error(w, "book not available", http.StatusNotFound)
			return
		}

		bids, asks := svc.Depth(tokenID)

		resp := struct {
			AssetID     string      `json:"asset_id"`
			Bids        [][2]string `json:"bids"`
			Asks        [][2]string `json:"asks"`
			LastUpdated time.Time   `json:"last_updated"`
			FeedState   string      `json:"feed_state"`
		}{
			AssetID:     tokenID,
			Bids:        levelPairs(bids),
			Asks:        levelPairs(asks),
			LastUpdated: svc.LastUpdated(tokenID),
			FeedState:   manager.State().String(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return mux
}

func levelPairs(levels []book.Level) [][2]string {
	pairs := make([][2]string, len(levels))
	for i, l := range levels {
		pairs[i] = [2]string{l.Price.String(), l.Size.String()}
	}
	return pairs
}
