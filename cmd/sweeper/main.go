package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gavelworks/auctiond/internal/adapters/cache"
	"github.com/gavelworks/auctiond/internal/adapters/database"
	"github.com/gavelworks/auctiond/internal/config"
	"github.com/gavelworks/auctiond/internal/domain/auctions"
	"github.com/gavelworks/auctiond/internal/domain/settlement"
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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

	var auctionCache auctions.AuctionCache = cache.NoopAuctionCache{}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis connection failed, sweeping without cache invalidation", "error", err)
	} else {
		auctionCache = cache.NewRedisAuctionCache(rdb, cfg.CacheTTL, logger)
	}

	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.LockTimeout)
	auctionRepo := database.NewPostgresAuctionRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	orderRepo := database.NewPostgresOrderRepository(pool)
	walletLedger := database.NewPostgresWalletLedger(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)

	clock := auctions.SystemClock{}
	engine := settlement.NewEngine(txManager, auctionRepo, bidRepo, orderRepo, walletLedger, outboxRepo, auctionCache, clock)
	sweeper := settlement.NewSweeper(engine, auctionRepo, clock, cfg.SweepInterval, cfg.SweepBatchSize, cfg.SweepWorkers, logger)

	logger.Info("Starting settlement sweeper", "interval", cfg.SweepInterval, "workers", cfg.SweepWorkers)
	if err := sweeper.Run(ctx); err != nil {
		logger.Error("Sweeper stopped", "error", err)
		os.Exit(1)
	}
}
