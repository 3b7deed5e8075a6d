package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "creditmail/backend/internal/auth/jwt"
	"creditmail/backend/internal/config"
	"creditmail/backend/internal/health"
	"creditmail/backend/internal/logger"
	"creditmail/backend/internal/middleware"
	"creditmail/backend/internal/monitoring"
	"creditmail/backend/internal/notice"
	"creditmail/backend/internal/pool"
	"creditmail/backend/internal/service"
	"creditmail/backend/internal/storage"
	"creditmail/backend/internal/storage/database"
	"creditmail/backend/internal/storage/memory"
	redisstore "creditmail/backend/internal/storage/redis"
	httptransport "creditmail/backend/internal/transport/http"
	"creditmail/backend/internal/websocket"
)

// main 启动账本 HTTP API、通知分发与 websocket 推送。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting creditmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("owner", cfg.Ledger.Owner),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

// openStore 根据配置选择存储
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}
	store, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	return store, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)

	group, groupCtx := errgroup.WithContext(ctx)

	// 通知：worker pool 异步投递到日志、websocket，以及可选的 Redis
	workers := pool.NewWorkerPool(cfg.Notice.Workers, cfg.Notice.QueueSize, log)
	workers.Start(groupCtx)
	defer workers.Stop()

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, metrics, log)
	dispatcher := notice.NewDispatcher(workers, metrics, log, notice.NewLogSink(log), wsHub)

	if cfg.Redis.Enabled {
		rc, err := redisstore.New(cfg.Redis, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		healthChecker.AddDependency("redis", rc)

		bus := redisstore.NewNoticeBus(rc, log)
		dispatcher.AddSink(bus)
		// 其他实例产生的通知直接推给本机 websocket 客户端
		group.Go(func() error {
			return bus.Relay(groupCtx, wsHub.Deliver)
		})
	}

	// 分区数量取配置与存储中已有数量的较大值，不会丢失已创建的分区
	partitions := cfg.Ledger.Partitions
	if existing, err := store.PartitionCount(ctx); err != nil {
		return fmt.Errorf("count partitions: %w", err)
	} else if existing > partitions {
		log.Info("using persisted partition count",
			zap.Int("configured", partitions),
			zap.Int("persisted", existing))
		partitions = existing
	}

	// 结算接口：没有外部结算系统时只记录日志
	funding := service.NewLogFunding(log.Named("funding"))
	payout := service.NewLogPayout(log.Named("payout"))
	log.Warn("using log-only settlement, deposits and registration fees are not charged")
	router, err := service.NewRouter(ctx, service.RouterConfig{
		Owner:         cfg.Ledger.Owner,
		Partitions:    partitions,
		MessageFee:    cfg.Ledger.MessageFee,
		WithdrawalFee: cfg.Ledger.WithdrawalFee,
		StatsTTL:      cfg.Ledger.StatsTTL,
	}, service.StoreFactory(cfg.Ledger.Owner, store, dispatcher, funding, payout, metrics, log), dispatcher, metrics, log)
	if err != nil {
		return fmt.Errorf("initialize router: %w", err)
	}
	defer router.Close()

	registry, err := service.NewAliasRegistry(ctx, service.RegistryOptions{
		Owner:           cfg.Ledger.Owner,
		RegistrationFee: cfg.Registry.RegistrationFee,
		MaxPerAccount:   cfg.Registry.MaxPerAccount,
		Store:           store,
		Publisher:       dispatcher,
		Funding:         funding,
		Payout:          payout,
		Metrics:         metrics,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
	)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, metrics, log)
	defer limiter.Stop()

	handler := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Router:       router,
		Batch:        service.NewBatchGateway(router, cfg.Ledger.BatchFeeMode, metrics, log),
		Registry:     registry,
		JWTManager:   jwtManager,
		RateLimiter:  limiter,
		WebSocketHub: wsHub,
		Health:       healthChecker,
		Metrics:      metrics,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
