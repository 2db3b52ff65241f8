package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ahmdragab/JJ-sub002/internal/alert"
	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/ledger"
	"github.com/ahmdragab/JJ-sub002/internal/refund"
	"github.com/ahmdragab/JJ-sub002/internal/worker"
	"github.com/ahmdragab/JJ-sub002/pkg/database"
	"github.com/ahmdragab/JJ-sub002/pkg/kafka"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	// Load configuration
	cfg := config.LoadConfig()
	var logger *slog.Logger
	if cfg.IsProduction() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database clients
	clients, err := database.NewClients(ctx, cfg.Database, cfg.Redis)
	if err != nil {
		logger.Error("Failed to initialize database clients", "error", err)
		os.Exit(1)
	}
	defer clients.Close()
	logger.Info("✅ Connected to databases")

	// Initialize Kafka consumer
	consumer, err := kafka.NewConsumer(cfg.Kafka.Broker, cfg.Kafka.Group)
	if err != nil {
		logger.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	logger.Info("✅ Connected to Kafka")

	alerter := alert.New(cfg.Alert.WebhookURL, cfg.Alert.Timeout, logger)
	// The worker is the last stop for a refund, so it never re-publishes.
	refunder := refund.NewRefunder(ledger.NewPostgresLedger(clients.DB, cfg.Credits, logger), nil, alerter, cfg.Refund, logger)

	w := worker.NewWorker(cfg.Kafka, refunder, alerter, consumer, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("Worker error", "error", err)
		os.Exit(1)
	}
}
