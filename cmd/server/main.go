package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wuwenbin0122/dalsi-gateway/internal/api"
	"github.com/wuwenbin0122/dalsi-gateway/internal/auth"
	"github.com/wuwenbin0122/dalsi-gateway/internal/chatstore"
	"github.com/wuwenbin0122/dalsi-gateway/internal/continuation"
	"github.com/wuwenbin0122/dalsi-gateway/internal/db"
	"github.com/wuwenbin0122/dalsi-gateway/internal/diagnostics"
	"github.com/wuwenbin0122/dalsi-gateway/internal/dispatch"
	"github.com/wuwenbin0122/dalsi-gateway/internal/ratelimit"
	"github.com/wuwenbin0122/dalsi-gateway/internal/utils"
	"github.com/wuwenbin0122/dalsi-gateway/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	baseLogger := utils.MustNewLogger(cfg.Logging)
	defer func() { _ = baseLogger.Sync() }()
	logger := utils.Component(baseLogger, "server")

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalw("chat store unavailable", "backend", cfg.Chat.StoreBackend, "error", err)
	}
	defer closeStore()
	logger.Infow("chat store ready", "backend", cfg.Chat.StoreBackend)

	apiKeys, gormDB := openAPIKeys(ctx, cfg, logger)
	defer func() {
		if err := db.CloseGORM(gormDB); err != nil {
			logger.Warnw("gorm close error", "error", err)
		}
	}()

	limiter, redisClient := openLimiter(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	authService, err := auth.NewService(cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		logger.Fatalw("failed to initialise auth service", "error", err)
	}

	collector := diagnostics.NewCollector(cfg.Diagnostics.Enabled, cfg.Diagnostics.MaxLogs, cfg.Diagnostics.MaxErrors)
	side := dispatch.NewSideChannel(store, collector, utils.Component(baseLogger, "persistence"), dispatch.SideChannelOptions{
		QueueSize: cfg.Chat.SideChannelQueue,
		Workers:   cfg.Chat.SideChannelWorkers,
		Timeout:   cfg.Chat.PersistTimeout,
	})

	client := services.NewDalsiClient(cfg.DalsiAPI, utils.Component(baseLogger, "dalsi"))
	dispatcher := dispatch.NewDispatcher(client, continuation.NewRegistry(), side, utils.Component(baseLogger, "dispatch"))

	handler := api.NewHandler(api.Dependencies{
		Auth:             authService,
		Dispatcher:       dispatcher,
		Store:            store,
		APIKeys:          apiKeys,
		Diagnostics:      collector,
		Limiter:          limiter,
		Upstream:         client,
		Logger:           utils.Component(baseLogger, "api"),
		StreamTimeout:    cfg.Chat.StreamTimeout,
		ContextWindow:    cfg.Chat.ContextWindow,
		DefaultMaxLength: cfg.Chat.DefaultMaxLength,
	})

	router := setupRouter(handler)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go pruneGuestSessions(janitorCtx, dispatcher, cfg.Chat.GuestSessionTTL)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Chat.StreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server crashed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopJanitor()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}
	if err := side.Close(shutdownCtx); err != nil {
		logger.Warnw("persistence queue not drained", "error", err, "stats", side.Stats())
	}

	logger.Info("server stopped cleanly")
}

func setupRouter(handler *api.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	handler.RegisterRoutes(router)

	return router
}

// pruneGuestSessions forgets the continuation state of guests idle for ttl.
func pruneGuestSessions(ctx context.Context, dispatcher *dispatch.Dispatcher, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatcher.PruneSessions(ttl, api.IsGuestSession)
		}
	}
}

// openStore connects the configured chat backend and returns its closer.
func openStore(ctx context.Context, cfg *utils.Config) (chatstore.Store, func(), error) {
	switch cfg.Chat.StoreBackend {
	case utils.StoreBackendMemory:
		return chatstore.NewMemoryStore(), func() {}, nil

	case utils.StoreBackendMongo:
		mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: connect: %w", err)
		}
		closer := func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				log.Printf("mongo: close error: %v", err)
			}
		}
		if err := mongoStore.EnsureCollections(ctx); err != nil {
			closer()
			return nil, nil, fmt.Errorf("mongo: ensure collections: %w", err)
		}
		return chatstore.NewMongoStore(mongoStore.Chats, mongoStore.Messages, mongoStore.UsageLogs), closer, nil

	default:
		postgres, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: connect: %w", err)
		}
		if err := postgres.Ping(ctx); err != nil {
			postgres.Close()
			return nil, nil, fmt.Errorf("postgres: ping: %w", err)
		}
		if err := postgres.EnsureSchema(ctx); err != nil {
			postgres.Close()
			return nil, nil, fmt.Errorf("postgres: ensure schema: %w", err)
		}
		return chatstore.NewPostgresStore(postgres.Pool), postgres.Close, nil
	}
}

// openAPIKeys enables key management when the Postgres backend is in use.
// The gateway keeps serving chat without it.
func openAPIKeys(ctx context.Context, cfg *utils.Config, logger *zap.SugaredLogger) (api.APIKeyStore, *gorm.DB) {
	if cfg.Chat.StoreBackend != utils.StoreBackendPostgres {
		logger.Infow("api key management disabled", "backend", cfg.Chat.StoreBackend)
		return nil, nil
	}

	gormDB, err := db.NewGORM(cfg.Postgres.BuildDSN())
	if err != nil {
		logger.Warnw("api key management disabled", "error", err)
		return nil, nil
	}

	repo := db.NewAPIKeyRepository(gormDB)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Warnw("api key management disabled", "error", err)
		_ = db.CloseGORM(gormDB)
		return nil, nil
	}
	return repo, gormDB
}

// openLimiter prefers a Redis-backed limiter so limits hold across replicas.
func openLimiter(ctx context.Context, cfg *utils.Config, logger *zap.SugaredLogger) (ratelimit.Limiter, *redis.Client) {
	window := time.Minute
	limit := cfg.Chat.RateLimitPerMinute

	if !cfg.Redis.Enabled() {
		return ratelimit.NewMemoryLimiter(limit, window), nil
	}

	client, err := db.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warnw("redis unavailable, using in-process rate limiter", "addr", cfg.Redis.Addr, "error", err)
		return ratelimit.NewMemoryLimiter(limit, window), nil
	}
	return ratelimit.NewRedisLimiter(client, limit, window), client
}
