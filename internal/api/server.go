package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/models"
)

// SessionService is the part of session.Manager the HTTP layer needs.
type SessionService interface {
	CreateSession(ctx context.Context, userID string, req models.CreateSessionRequest) (*models.SessionGrant, error)
	ValidateAndConsume(ctx context.Context, sessionID, userID string) (*models.Authorization, error)
	GetSession(ctx context.Context, sessionID, userID string) (*models.SessionResponse, error)
	Balance(ctx context.Context, userID string) (int, error)
	Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

type Server struct {
	app      *fiber.App
	cfg      *config.Config
	sessions SessionService
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewServer builds the Fiber app. verifier is only used when the auth
// provider is Supabase.
func NewServer(cfg *config.Config, sessions SessionService, verifier TokenVerifier, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:      "credit-sessions",
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${ip} ${method} ${path} ${status}\n",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Server.MaxRequests,
		Expiration: time.Minute,
	}))

	server := &Server{
		app:      app,
		cfg:      cfg,
		sessions: sessions,
		verifier: verifier,
		logger:   log.With("component", "api"),
	}

	// Routes
	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Protected routes
	api := s.app.Group("/api", s.authMiddleware())

	api.Post("/generation-sessions", s.handleCreateSession)
	api.Get("/generation-sessions/:id", s.handleGetSession)
	api.Post("/generation-sessions/:id/consume", s.handleConsumeSession)

	api.Get("/credits", s.handleGetBalance)
	api.Get("/credits/transactions", s.handleListTransactions)
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(s.cfg.Server.ShutdownTimeout)
}
