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
	"github.com/rs/cors"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/broker"
	"github.com/splax/launchpad/internal/docker"
	httpx "github.com/splax/launchpad/internal/http"
	"github.com/splax/launchpad/internal/repository/postgres"
	"github.com/splax/launchpad/internal/service/auth"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/logs"
	"github.com/splax/launchpad/internal/service/project"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel, "env", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := broker.New(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Error("failed to connect to log broker", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	subscription, err := redisClient.PSubscribe(ctx, cfg.LogChannelPattern)
	if err != nil {
		log.Error("failed to subscribe to build logs", "pattern", cfg.LogChannelPattern, "error", err)
		os.Exit(1)
	}
	defer subscription.Close()

	launcher, err := docker.NewLauncher(docker.Options{
		Host:    cfg.DockerHost,
		Image:   cfg.WorkerImage,
		Network: cfg.WorkerNetwork,
	})
	if err != nil {
		log.Error("failed to create worker launcher", "error", err)
		os.Exit(1)
	}
	defer launcher.Close()
	if version, err := launcher.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable; builds will fail to launch until it returns", "error", err)
	} else {
		log.Info("docker daemon reachable", "api_version", version, "image", cfg.WorkerImage)
	}

	repo := postgres.New(pool)
	authSvc := auth.New(log, cfg)
	projectSvc := project.New(repo, log, cfg)
	buildSvc := build.New(projectSvc, repo, launcher, redisClient, redisClient, log, cfg)

	tracker := build.NewTracker(repo, redisClient, log)
	go tracker.Run(ctx)

	relay := logs.New(ws.NewHub(log), subscription, redisClient, log, cfg.BrokerHealthEvery)
	relay.Observe(tracker.Observe)
	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("log relay stopped", "error", err)
		}
	}()

	var limiter httpx.RateLimiter
	if strings.EqualFold(cfg.RateLimitBackend, "redis") {
		limiter = httpx.NewRedisRateLimiter(redisClient.Redis(), log)
	}

	router := httpx.NewRouter(log, authSvc, projectSvc, buildSvc, relay, limiter,
		httpx.StreamOptions{SendBuffer: cfg.WSSendBuffer, SSEHeartbeat: cfg.SSEHeartbeat},
		map[string]func(context.Context) error{
			"database": pool.Ping,
			"broker":   redisClient.Ping,
		})
	defer router.Close()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
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
