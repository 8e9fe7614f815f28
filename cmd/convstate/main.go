package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"sudooom.im.convstate/internal/api"
	"sudooom.im.convstate/internal/config"
	"sudooom.im.convstate/internal/handler"
	"sudooom.im.convstate/internal/health"
	"sudooom.im.convstate/internal/hotcache"
	"sudooom.im.convstate/internal/ledger"
	imNats "sudooom.im.convstate/internal/nats"
	"sudooom.im.convstate/internal/service"
	"sudooom.im.convstate/internal/workerpool"
)

func main() {
	configPath := flag.StringP("config", "c", "", "config file path")
	flag.Parse()

	// 本地开发可用 .env 注入 CONVSTATE_* 变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "godotenv: error loading .env file:", err)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("CONVSTATE_CONFIG")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	// 加载配置
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load config", "path", path, "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 Redis，不可用时照常启动，读路径回源账本
	redisClient := connectRedis(cfg.Redis)
	defer redisClient.Close()

	store := hotcache.NewStore(redisClient, hotcache.Options{
		CounterTTL:   cfg.Cache.UnreadTTL,
		ReplayWindow: cfg.Cache.ReplayWindow,
		OpTimeout:    cfg.Cache.OpTimeout,
	})
	if err := store.LoadScripts(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, scripts will load on first use", "addr", cfg.Redis.Addr(), "error", err)
	} else {
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())
	}

	// 连接账本
	ldg, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open ledger", "driver", cfg.Ledger.Driver, "error", err)
		os.Exit(1)
	}
	defer ldg.Close()
	logger.Info("Ledger ready", "driver", cfg.Ledger.Driver)

	// 回源 Worker Pool
	pool := workerpool.New(cfg.Pool.Workers, cfg.Pool.QueueSize, logger)

	stats := &service.Stats{}
	stateService := service.NewConversationStateService(store, ldg, pool, stats, service.Options{
		PreviewTTL:       cfg.Cache.PreviewTTL,
		LedgerTimeout:    cfg.Ledger.Timeout,
		WriteBackTimeout: cfg.Cache.WriteBackTimeout,
	})

	// 连接 NATS
	natsClient, err := imNats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 启动订阅者
	eventHandler := handler.NewEventHandler(stateService)
	subscriber := imNats.NewEventSubscriber(natsClient.Conn(), eventHandler, imNats.SubscriberConfig{
		Subject:     cfg.NATS.Subject,
		QueueGroup:  cfg.NATS.QueueGroup,
		WorkerCount: cfg.NATS.WorkerCount,
		BufferSize:  cfg.NATS.BufferSize,
	})
	if err := subscriber.Start(ctx); err != nil {
		logger.Error("Failed to start subscriber", "error", err)
		os.Exit(1)
	}

	// HTTP 服务
	checker := health.NewChecker(natsClient, stateService, ldg, stats).
		WithQueue(func() health.QueueStatus {
			pending, _ := subscriber.GetBufferUsage()
			return health.QueueStatus{
				PoolPending:        pool.QueueLen(),
				EventsPending:      pending,
				EventsDropped:      subscriber.Dropped(),
				EventsNoRecipients: eventHandler.NoRecipients(),
			}
		})
	router := api.SetupRouter(cfg.HTTP.Mode, cfg.HTTP.AllowedOrigins, api.NewConversationHandler(stateService), checker)
	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("Conversation state service started", "name", cfg.App.Name)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	subscriber.Stop()
	cancel()
	// 等待在途回写完成
	pool.Shutdown()

	logger.Info("Conversation state service stopped", "stats", stats.Snapshot())
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// openLedger 按驱动打开账本
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerDriverPostgres:
		db, err := ledger.ConnectPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		pg := ledger.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	case config.LedgerDriverMongo:
		m, err := ledger.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureIndexes(ctx); err != nil {
			m.Close()
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return m, nil
	case config.LedgerDriverMemory:
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
