package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ipcountry/internal/config"
	"ipcountry/internal/handler"
	"ipcountry/internal/repository"
	"ipcountry/internal/service"
	"ipcountry/internal/watcher"
)

var (
	lastLogTime atomic.Value
	logMutex    sync.Mutex
)

func init() {
	lastLogTime.Store(time.Now())
}

func main() {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := logConfig.Build()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal("Invalid LOG_LEVEL", zap.String("level", cfg.LogLevel), zap.Error(err))
	}
	logConfig.Level = level
	if logger, err = logConfig.Build(); err != nil {
		panic(err)
	}

	logger.Info("Starting up server...", zap.String("version", cfg.Version))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memoryRepo := repository.NewMemoryRepository()
	var validators service.ValidatorStore = memoryRepo
	var history service.HistoryStore = memoryRepo

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		redisClient := redis.NewClient(opt)
		defer redisClient.Close()

		validators = repository.NewRedisRepository(redisClient, logger)
	}

	if cfg.PostgresURL != "" {
		db, err := sqlx.Connect("postgres", cfg.PostgresURL)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()

		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		postgresRepo := repository.NewPostgresRepository(db, logger)
		if err := postgresRepo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare refresh history table", zap.Error(err))
		}
		history = postgresRepo
	}

	datasetService := service.NewDatasetService(cfg, validators, history, logger)
	lookupService := service.NewLookupService(cfg, datasetService, logger)
	lookupService.Start(ctx)

	if cfg.WatchDatasets {
		w, err := watcher.New(cfg.Datasets, lookupService, logger)
		if err != nil {
			logger.Fatal("Failed to watch datasets", zap.Error(err))
		}
		defer w.Close()
		go w.Run(ctx)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		latency := time.Since(start)

		if err != nil || latency > 100*time.Millisecond || c.Response().StatusCode() != 200 {
			logger.Info("request",
				zap.Int("status", c.Response().StatusCode()),
				zap.Duration("latency", latency),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			return err
		}

		last := lastLogTime.Load().(time.Time)
		if time.Since(last) >= 10*time.Second {
			logMutex.Lock()
			if time.Since(lastLogTime.Load().(time.Time)) >= 10*time.Second {
				logger.Info("sampled_request",
					zap.Int("status", c.Response().StatusCode()),
					zap.Duration("latency", latency),
					zap.String("method", c.Method()),
					zap.String("path", c.Path()),
				)
				lastLogTime.Store(time.Now())
			}
			logMutex.Unlock()
		}

		return err
	})

	h := handler.NewHandler(lookupService, history, cfg.Version, logger)
	h.RegisterRoutes(app)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		if err := app.Listen(cfg.ListenAddr()); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info("SIGHUP received, refreshing datasets")
		go func() {
			if err := lookupService.Refresh(ctx); err != nil {
				logger.Error("dataset refresh failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Shutting down server...")
	cancel()

	if err := app.Shutdown(); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
}
