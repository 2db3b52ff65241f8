package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ahmdragab/JJ-sub002/internal/alert"
	"github.com/ahmdragab/JJ-sub002/internal/api"
	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/ledger"
	"github.com/ahmdragab/JJ-sub002/internal/pkg/supabase"
	"github.com/ahmdragab/JJ-sub002/internal/refund"
	"github.com/ahmdragab/JJ-sub002/internal/session"
	"github.com/ahmdragab/JJ-sub002/pkg/database"
	"github.com/ahmdragab/JJ-sub002/pkg/kafka"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	// Load configuration
	cfg := config.LoadConfig()
	logger := newLogger(cfg)
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
	if err := clients.CreateSchema(ctx); err != nil {
		logger.Error("Failed to create schema", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ Connected to databases")

	// Refunds that exhaust their inline retries are handed to the worker.
	var publisher refund.Publisher
	producer, err := kafka.NewProducer(cfg.Kafka.Broker, cfg.Kafka.RetryMax, cfg.Kafka.RetryBackoff)
	if err != nil {
		logger.Warn("Kafka unavailable, failed refunds will only raise alerts", "error", err)
	} else {
		kafkaPublisher := kafka.NewPublisher(producer, cfg.Kafka.Topic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		logger.Info("✅ Connected to Kafka")
	}

	alerter := alert.New(cfg.Alert.WebhookURL, cfg.Alert.Timeout, logger)
	credits := ledger.NewPostgresLedger(clients.DB, cfg.Credits, logger)
	refunder := refund.NewRefunder(credits, publisher, alerter, cfg.Refund, logger)
	manager := session.NewManager(
		credits,
		session.NewPostgresStore(clients.DB),
		session.NewRedisCache(clients.Redis, cfg.Credits.TerminalCacheTTL, logger),
		refunder,
		cfg.Credits,
		logger,
	)

	var verifier api.TokenVerifier
	if cfg.Auth.Provider == config.AuthProviderSupabase {
		v, err := supabase.NewVerifier(cfg.Auth.SupabaseURL, cfg.Auth.SupabaseKey)
		if err != nil {
			logger.Error("Failed to initialize Supabase verifier", "error", err)
			os.Exit(1)
		}
		verifier = v
	}

	server := api.NewServer(cfg, manager, verifier, logger)

	// Graceful shutdown
	go func() {
		logger.Info("🚀 Server running", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			logger.Error("❌ Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Server shutting down...")
	if err := server.Shutdown(); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
