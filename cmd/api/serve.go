package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/filedrop/service/internal/config"
	"github.com/filedrop/service/internal/db"
	"github.com/filedrop/service/internal/ident"
	"github.com/filedrop/service/internal/metadata"
	"github.com/filedrop/service/internal/metrics"
	appMiddleware "github.com/filedrop/service/internal/middleware"
	"github.com/filedrop/service/internal/storage"
	"github.com/filedrop/service/internal/transfer"
	"github.com/filedrop/service/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.Init(registry)

	index, closeIndex, err := openIndex(ctx, cfg)
	if err != nil {
		return backendError{fmt.Errorf("metadata index (%s): %w", cfg.MetadataBackend, err)}
	}
	defer closeIndex()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return backendError{fmt.Errorf("storage driver (%s): %w", cfg.StorageDriver, err)}
	}

	// Wire dependencies: index -> generator -> service -> handler
	ids := ident.NewGenerator(index, ident.WithCollisionHook(m.RecordCollision))
	svc := transfer.NewService(index, ids, store, transfer.Policy{
		FileTTL:      cfg.FileTTL,
		AttributeTTL: cfg.AttributeTTL(),
	}, m)
	handler := transfer.NewHandler(svc, m)

	watchCtx, stopWatcher := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = watcher.New(index, store, watcher.WithMetrics(m)).Run(watchCtx)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, handler, m, registry),
		ReadHeaderTimeout: 15 * time.Second,
		// No read or write deadline: bodies stream for as long as the file takes.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine; wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("env", cfg.AppEnv).
			Str("metadata", cfg.MetadataBackend).
			Str("storage", cfg.StorageDriver).
			Bool("extern", store.Extern()).
			Msg("server listening")
		if !cfg.IsProduction() {
			log.Info().Msgf("swagger UI at http://localhost:%s/swagger/", cfg.Port)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-quit:
		log.Info().Msg("shutting down gracefully...")
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	stopWatcher()
	<-watchDone

	log.Info().Msg("server stopped")
	return runErr
}

// openIndex builds the metadata backend named in cfg. The returned func
// releases everything it opened.
func openIndex(ctx context.Context, cfg *config.Config) (metadata.Index, func(), error) {
	switch cfg.MetadataBackend {
	case config.BackendRedis:
		idx, err := metadata.NewRedisIndex(ctx, metadata.RedisOptions{
			Host:                 cfg.RedisHost,
			Port:                 cfg.RedisPort,
			Password:             cfg.RedisPassword,
			DB:                   cfg.RedisDB,
			NotifyKeyspaceEvents: cfg.RedisNotifyKeyspace,
		})
		if err != nil {
			return nil, nil, err
		}
		return idx, closer(idx), nil

	case config.BackendPostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		idx := metadata.NewPostgresIndex(pool, cfg.MetadataSweepInterval)
		return idx, func() {
			closer(idx)()
			pool.Close()
		}, nil

	case config.BackendMemory:
		idx := metadata.NewMemoryIndex(cfg.MetadataSweepInterval)
		return idx, closer(idx), nil
	}
	return nil, nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
}

func closer(idx metadata.Index) func() {
	return func() {
		if err := idx.Close(); err != nil {
			log.Warn().Err(err).Msg("close metadata index")
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Driver, error) {
	reg, err := storage.Lookup(cfg.StorageDriver)
	if err != nil {
		return nil, err
	}
	return reg.Open(ctx, cfg.Storage)
}

func newRouter(cfg *config.Config, h *transfer.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(m))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.GetHead)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Range", "X-Request-ID"},
		ExposedHeaders: []string{"Accept-Ranges", "Content-Disposition", "Content-Length", "Content-Range"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Swagger UI at /swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", h.Routes)
	return r
}
