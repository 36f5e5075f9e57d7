// Package app wires the application together: config, database, worker,
// HTTP servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamsync/streamsync/internal/auth"
	"github.com/streamsync/streamsync/internal/config"
	"github.com/streamsync/streamsync/internal/notifications"
	"github.com/streamsync/streamsync/internal/notifications/fcm"
	notifpg "github.com/streamsync/streamsync/internal/notifications/postgres"
	"github.com/streamsync/streamsync/internal/pkg/httputil"
	"github.com/streamsync/streamsync/internal/pkg/metrics"
	"github.com/streamsync/streamsync/internal/pkg/postgres"
	"github.com/streamsync/streamsync/internal/version"
	"github.com/streamsync/streamsync/migrations"
)

// App is the assembled application.
type App struct {
	config *config.Config
	logger *slog.Logger

	db            *pgxpool.Pool
	worker        *notifications.Worker
	server        *http.Server
	metricsServer *http.Server

	bgCancel context.CancelFunc
}

// New builds the application from configuration: it connects to the
// database, applies migrations, and assembles the HTTP router and the
// delivery worker. The worker is not started until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := postgres.Migrate(migrations.FS, ".", cfg.Database.URL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	repo := notifpg.NewRepository(db)
	service := notifications.NewService(repo)
	handler := notifications.NewHandler(service)

	var deliverer *notifications.Deliverer
	if cfg.Push.Enabled {
		client, err := fcm.NewClient(fcm.Config{
			Enabled:   true,
			ServerKey: cfg.Push.ServerKey,
			Endpoint:  cfg.Push.Endpoint,
			Timeout:   cfg.Push.Timeout,
			RateLimit: cfg.Push.RateLimit,
		})
		if err != nil {
			bgCancel()
			db.Close()
			return nil, fmt.Errorf("init push client: %w", err)
		}
		deliverer = notifications.NewDeliverer(client)
	} else {
		logger.Warn("push delivery not configured, worker runs in degraded mode")
	}

	worker := notifications.NewWorker(notifications.WorkerConfig{
		PollInterval:         cfg.Worker.PollInterval,
		DegradedPollInterval: cfg.Worker.DegradedPollInterval,
		MaxRetries:           cfg.Worker.MaxRetries,
		NumWorkers:           cfg.Worker.NumWorkers,
		StuckJobTimeout:      cfg.Worker.StuckJobTimeout,
		JanitorInterval:      cfg.Worker.JanitorInterval,
	}, repo, deliverer)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	router := newRouter(logger, db, handler, tokens)

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		worker:   worker,
		bgCancel: bgCancel,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
		metricsServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
			Handler:           newMetricsRouter(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
	}

	go app.collectDBMetrics(bgCtx)

	return app, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newRouter(logger *slog.Logger, db *pgxpool.Pool, handler *notifications.Handler, tokens *auth.TokenManager) chi.Router {
	r := chi.NewRouter()

	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			httputil.Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httputil.Success(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		httputil.Success(w, http.StatusOK, map[string]string{
			"version": version.Version,
			"commit":  version.Commit,
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(tokens))
		handler.RegisterRoutes(r)
	})

	return r
}

func newMetricsRouter() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// collectDBMetrics refreshes connection pool gauges until the context is
// cancelled.
func (a *App) collectDBMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		}
	}
}

// Run starts the worker and both HTTP servers and blocks until one of the
// servers fails or the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		a.logger.Info("metrics server listening", "addr", a.metricsServer.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the worker, drains the HTTP servers, and closes the
// database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.bgCancel()
	a.worker.Stop()

	var wg sync.WaitGroup
	var serverErr, metricsErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		serverErr = a.server.Shutdown(ctx)
	}()
	go func() {
		defer wg.Done()
		metricsErr = a.metricsServer.Shutdown(ctx)
	}()
	wg.Wait()

	a.db.Close()

	if serverErr != nil {
		return fmt.Errorf("shutdown http server: %w", serverErr)
	}
	if metricsErr != nil {
		return fmt.Errorf("shutdown metrics server: %w", metricsErr)
	}

	a.logger.Info("shutdown complete")
	return nil
}
