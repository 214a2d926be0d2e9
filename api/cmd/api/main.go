package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/runway/api/internal/app/migrate"
	"github.com/splax/runway/api/internal/cloud/gcp"
	httpx "github.com/splax/runway/api/internal/http"
	"github.com/splax/runway/api/internal/repository/postgres"
	"github.com/splax/runway/api/internal/scm/github"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/api/internal/service/events"
	"github.com/splax/runway/api/internal/service/project"
	"github.com/splax/runway/api/internal/service/provision"
	"github.com/splax/runway/api/internal/service/rollback"
	"github.com/splax/runway/api/internal/ws"
	"github.com/splax/runway/pkg/config"
	"github.com/splax/runway/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Stop()
	metrics := httpx.NewMetrics(hub.Subscribers)
	metrics.WatchDroppedEvents(hub.Dropped)

	attempts := cfg.Provision.RemoteRetryAttempts
	cloudOpts := []gcp.Option{gcp.WithRetry(attempts, 0)}
	if endpoint := strings.TrimSpace(cfg.GCPEndpoint); endpoint != "" {
		cloudOpts = append(cloudOpts, gcp.WithEndpoint(endpoint))
	}
	scmOpts := []github.Option{github.WithRetry(attempts, 0)}
	if base := strings.TrimSpace(cfg.GitHubAPIURL); base != "" {
		scmOpts = append(scmOpts, github.WithBaseURL(base))
	}
	cloudFactory := gcp.NewFactory(cloudOpts...)
	scmFactory := github.NewFactory(scmOpts...)

	authSvc := auth.New(repo, repo, log, cfg)
	provisionSvc := provision.NewService(provision.Dependencies{
		Credentials: authSvc,
		Cloud:       cloudFactory,
		SCM:         scmFactory,
		Projects:    repo,
		Runs:        repo,
		Events:      events.New(hub, log),
		Metrics:     metrics,
		Config:      cfg.Provision,
		Logger:      log,
	})
	rollbackSvc := rollback.NewService(repo, authSvc, cloudFactory, scmFactory, metrics, cfg.Provision.Timeout, log)
	projectSvc := project.New(repo, authSvc, scmFactory, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:    log,
		Auth:      authSvc,
		Provision: provisionSvc,
		Rollback:  rollbackSvc,
		Projects:  projectSvc,
		Cloud:     provisionSvc,
		Hub:       hub,
		Limiter:   limiter,
		Metrics:   metrics,
		DBHealth:  repo.Ping,
	})
	defer router.Close()

	// Provisioning runs can take minutes; no write timeout is set.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
