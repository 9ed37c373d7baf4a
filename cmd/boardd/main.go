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

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/config"
	"boardsync/remote"
	"boardsync/repair"
	"boardsync/service"
	"boardsync/storage"
	"boardsync/telemetry"
)

const repairVisibility = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateAuth(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnection != "" {
		opts, err := config.RedisOptions(cfg.RedisConnection)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	var store remote.Client
	var queue repair.Queue
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		store = remote.NewMemory()
		queue = repair.NewMemoryQueue(repairVisibility)
	default:
		opts := []storage.Option{storage.WithLogger(logger), storage.WithPollInterval(cfg.PollInterval)}
		if rc != nil {
			opts = append(opts,
				storage.WithNotifier(storage.NewNotifier(rc, cfg.NotifyPrefix)),
				storage.WithCache(storage.NewCache(rc, cfg.NotifyPrefix, cfg.SnapshotCacheTTL)),
			)
		} else {
			logger.Warn("no redis configured, board subscriptions fall back to polling")
		}
		tables, err := storage.New(cfg.ConnectionString, storage.DefaultCollections(cfg.TasksTable, cfg.ProjectsTable), opts...)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = tables
		q, err := repair.NewAzureQueue(cfg.ConnectionString, cfg.RepairQueue, repairVisibility)
		if err != nil {
			log.Fatalf("repair queue: %v", err)
		}
		queue = q
	}
	client := telemetry.Wrap(store, logger)

	hub := api.NewHub(ctx, client, logger)
	defer hub.Close()
	tasks := service.NewTaskService(client, queue, logger)
	checker := repair.NewChecker(client, logger)
	worker := repair.NewWorker(queue, checker, logger, cfg.RepairPollInterval, cfg.RepairMaxAttempts)
	go worker.Run(ctx)

	var auth *api.Auth
	if cfg.AuthTestMode {
		auth = api.NewTestAuth([]byte(cfg.TestJWTSecret))
	} else {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/")
	}

	server := &api.Server{
		Tasks:    tasks,
		Projects: service.NewProjectService(client, tasks, logger),
		Checker:  checker,
		Hub:      hub,
		Auth:     auth,
		Logger:   logger,
	}
	if rc != nil {
		server.Deduper = api.NewRedisDeduper(rc, cfg.IdempotencyTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, server)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("http shutdown")
		}
	}()

	logger.WithFields(log.Fields{"port": cfg.ListenPort, "backend": cfg.Backend}).Info("boardd listening")
	if err := e.Start(":" + cfg.ListenPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http: %v", err)
	}
}
