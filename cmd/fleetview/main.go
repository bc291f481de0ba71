package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetview/internal/cache"
	"fleetview/internal/config"
	"fleetview/internal/domain"
	"fleetview/internal/handler"
	"fleetview/internal/hub"
	"fleetview/internal/ingestor"
	"fleetview/internal/mapview"
	"fleetview/internal/middleware"
	"fleetview/internal/recorder"
	"fleetview/internal/scene"
	"fleetview/internal/store"
	"fleetview/internal/trajectory"
	"fleetview/internal/transport"
	"fleetview/pkg/fleetapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting fleetview server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"demo_mode", cfg.DemoMode(),
		"redis_enabled", cfg.RedisEnabled,
		"recorder_enabled", cfg.RecorderEnabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	creds := fleetapi.NewCredentials(cfg.AccessToken, cfg.RefreshToken)
	apiClient := fleetapi.New(cfg.APIBaseURL, creds)

	storeOpts := store.Options{FetchTimeout: cfg.SnapshotTimeout}
	var snapshotCache *cache.RedisCache
	if cfg.RedisEnabled {
		snapshotCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without snapshot cache", "addr", cfg.RedisAddr, "error", err)
			snapshotCache = nil
		} else {
			storeOpts.Cache = snapshotCache
			defer snapshotCache.Close()
		}
	}

	vehicleStore := store.New(apiClient, storeOpts, logger)
	paths := trajectory.New(logger)
	paths.Bind(vehicleStore)

	wsHub := hub.New(logger)
	mapScene := scene.New(wsHub, cfg.TileZoomLevel, logger)
	adapter := mapview.New(mapScene, vehicleStore, paths, mapview.Options{
		Center:      domain.Point{Lat: cfg.MapCenterLat, Lng: cfg.MapCenterLon},
		Zoom:        float64(cfg.MapZoom),
		FocusZoom:   float64(cfg.FocusZoom),
		SettleDelay: cfg.FocusSettle,
		Theme:       mapview.ParseTheme(cfg.MapTheme),
	}, logger)

	var (
		rec     *recorder.Recorder
		archive *recorder.TimescaleStore
	)
	if cfg.RecorderEnabled {
		rec, archive, err = newRecorder(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
		rec.Bind(vehicleStore)
	}

	ing := ingestor.New(vehicleStore, ingestor.Options{
		SocketURL:            cfg.SocketURL,
		Credential:           creds.AccessToken,
		OfflinePollInterval:  cfg.OfflinePollInterval,
		MaxReinitializations: cfg.ReconnectReinitLimit,
		Transport: transport.Options{
			MaxAttempts: cfg.ReconnectAttempts,
			Delay:       cfg.ReconnectDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
		},
	}, logger)

	if err := adapter.Init(); err != nil {
		logger.Error("failed to initialize map", "error", err)
		os.Exit(1)
	}
	if err := ing.Start(ctx); err != nil {
		logger.Error("failed to start ingestor", "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, logger)
	stats := handler.NewStats()
	limiter.OnBlock(stats.IncRateLimitBlocked)

	sources := handler.StatsSources{Channel: ing, Limiter: limiter}
	if snapshotCache != nil {
		sources.Cache = snapshotCache
	}
	if rec != nil {
		sources.Recorder = rec
	}

	httpHandler := handler.NewHTTPHandler(vehicleStore, paths, adapter, mapScene, ing, cfg.SnapshotTimeout)
	wsHandler := handler.NewWSHandler(wsHub, mapScene, adapter, stats, cfg.TileZoomLevel, logger)
	healthHandler := handler.NewHealthHandler(ing, vehicleStore)
	statsHandler := handler.NewStatsHandler(stats, vehicleStore, wsHub, sources)

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/vehicles", httpHandler.ListVehicles)
	api.HandleFunc("GET /v1/vehicles/{id}", httpHandler.GetVehicle)
	api.HandleFunc("GET /v1/vehicles/{id}/trajectory", httpHandler.GetTrajectory)
	api.HandleFunc("GET /v1/alerts", httpHandler.ListAlerts)
	api.HandleFunc("GET /v1/selection", httpHandler.GetSelection)
	api.HandleFunc("GET /v1/scene", httpHandler.GetScene)
	api.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	api.Handle("PUT /v1/selection", limiter.Middleware(http.HandlerFunc(httpHandler.PutSelection)))
	api.Handle("POST /v1/map/focus-all", limiter.Middleware(http.HandlerFunc(httpHandler.FocusAll)))
	api.Handle("POST /v1/map/theme/toggle", limiter.Middleware(http.HandlerFunc(httpHandler.ToggleTheme)))
	api.Handle("POST /v1/snapshot/reload", limiter.Middleware(http.HandlerFunc(httpHandler.ReloadSnapshot)))

	mux := http.NewServeMux()
	mux.Handle("/v1/", handler.GzipMiddleware(api))
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      stats.CountRequests(handler.CORSMiddleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	if rec != nil {
		g.Go(func() error {
			rec.Run(gctx)
			archive.Close()
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		ing.Close()
		if err := adapter.Dispose(); err != nil {
			logger.Warn("map dispose failed", "error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func newRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*recorder.Recorder, *recorder.TimescaleStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ts, err := recorder.NewTimescaleStore(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := ts.EnsureSchema(connectCtx); err != nil {
		ts.Close()
		return nil, nil, err
	}

	rec := recorder.New(ts, recorder.Options{
		BatchSize:     cfg.RecorderBatchSize,
		FlushInterval: cfg.RecorderFlush,
		BufferSize:    cfg.RecorderBufferSize,
	}, logger)
	return rec, ts, nil
}
