package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/gavelworks/auctiond/internal/adapters/api"
	"github.com/gavelworks/auctiond/internal/adapters/cache"
	"github.com/gavelworks/auctiond/internal/adapters/database"
	"github.com/gavelworks/auctiond/internal/config"
	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/internal/domain/bidding"
	"github.com/gavelworks/auctiond/internal/domain/notifications"
	"github.com/gavelworks/auctiond/internal/domain/settlement"
	"github.com/gavelworks/auctiond/pkg/auth"
	pkgdb "github.com/gavelworks/auctiond/pkg/database"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Initialize Postgres Connection Pool
	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("Unable to parse database config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	// 2. Redis cache; the API degrades to uncached reads without it.
	var auctionCache auctions.AuctionCache = cache.NoopAuctionCache{}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis connection failed, running uncached", "error", err)
	} else {
		logger.Info("Redis Connected")
		auctionCache = cache.NewRedisAuctionCache(rdb, cfg.CacheTTL, logger)
	}

	// 3. Initialize Repositories (Infrastructure Layer)
	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.LockTimeout)
	auctionRepo := database.NewPostgresAuctionRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	orderRepo := database.NewPostgresOrderRepository(pool)
	walletLedger := database.NewPostgresWalletLedger(pool)
	watcherRepo := database.NewPostgresWatcherRepository(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)
	notificationRepo := database.NewPostgresNotificationRepository(pool)

	// 4. Initialize Services (Domain Layer)
	clock := auctions.SystemClock{}
	auctionService := auctions.NewService(txManager, auctionRepo, bidRepo, watcherRepo, outboxRepo, auctionCache, clock)
	biddingEngine := bidding.NewEngine(txManager, auctionRepo, bidRepo, outboxRepo, auctionCache, clock, cfg.MaxAutoExtensions)
	settlementEngine := settlement.NewEngine(txManager, auctionRepo, bidRepo, orderRepo, walletLedger, outboxRepo, auctionCache, clock)
	notificationService := notifications.NewService(notificationRepo, watcherRepo, txManager)

	// 5. Auth (validate-only: tokens are minted elsewhere)
	publicKey, err := cfg.JWTPublicKey()
	if err != nil {
		logger.Error("Failed to load JWT public key", "error", err)
		os.Exit(1)
	}
	signer, err := auth.NewSignerFromPublicKey(publicKey, cfg.JWTIssuer)
	if err != nil {
		logger.Error("Failed to create token verifier", "error", err)
		os.Exit(1)
	}

	// 6. HTTP Handler
	handler := api.NewHandler(auctionService, biddingEngine, settlementEngine, notificationService, logger)

	logger.Info("Starting Auction API", "addr", cfg.ListenAddr)

	// Use h2c for HTTP/2 without TLS (common for internal services / local dev)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(handler.Routes(signer), &http2.Server{}),
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
