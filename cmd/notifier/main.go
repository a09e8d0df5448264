package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"

	"github.com/gavelworks/auctiond/internal/adapters/database"
	"github.com/gavelworks/auctiond/internal/adapters/events"
	"github.com/gavelworks/auctiond/internal/config"
	"github.com/gavelworks/auctiond/internal/domain/notifications"
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

	amqpConn, err := amqp091.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.LockTimeout)
	notificationRepo := database.NewPostgresNotificationRepository(pool)
	watcherRepo := database.NewPostgresWatcherRepository(pool)

	service := notifications.NewService(notificationRepo, watcherRepo, txManager)
	consumer := events.NewNotificationConsumer(amqpConn, service, logger)

	logger.Info("Starting notification consumer...")
	if err := consumer.Run(ctx); err != nil {
		logger.Error("Consumer stopped", "error", err)
		os.Exit(1)
	}
}
