package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/ahmdragab/JJ-sub002/internal/models"
	"github.com/ahmdragab/JJ-sub002/internal/session"
)

// Error codes returned by the consume endpoint so the Gateway can tell
// "start a new session" from "session timed out".
const (
	codeSessionNotFound  = "session_not_found"
	codeSessionExpired   = "session_expired"
	codeSessionExhausted = "session_exhausted"
	codeRetry            = "retry"
)

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	userID := userIDFrom(c)

	var req models.CreateSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	grant, err := s.sessions.CreateSession(c.UserContext(), userID, req)
	if err != nil {
		return s.createSessionError(c, userID, err)
	}

	return c.Status(fiber.StatusCreated).JSON(models.CreateSessionResponse{
		SessionID:        grant.Session.ID,
		ExpiresAt:        grant.Session.ExpiresAt,
		CreditsDeducted:  grant.Session.CreditsDeducted,
		MaxGenerations:   grant.Session.MaxGenerations,
		RemainingCredits: grant.RemainingCredits,
	})
}

func (s *Server) createSessionError(c *fiber.Ctx, userID string, err error) error {
	var insufficient *session.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":    "Insufficient credits",
			"credits":  insufficient.Available,
			"required": insufficient.Required,
		})
	}

	var creationErr *session.SessionCreationError
	if errors.As(err, &creationErr) {
		s.logger.Error("Generation session creation failed", "userID", userID, "refund", creationErr.Refund, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to create generation session",
			"message": refundMessage(creationErr.Refund),
		})
	}

	if errors.Is(err, session.ErrRetryExhausted) {
		s.logger.Warn("Generation session creation contended", "userID", userID)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to create generation session",
			"message": "Your balance was updated concurrently. No credits were deducted; please retry.",
		})
	}

	s.logger.Error("Generation session creation failed", "userID", userID, "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to create generation session",
	})
}

func refundMessage(outcome session.RefundOutcome) string {
	switch outcome {
	case session.RefundIssued:
		return "Your credits have been refunded."
	case session.RefundQueued:
		return "A refund of your credits has been queued and will be applied shortly."
	default:
		return "Your credits could not be refunded automatically. Support has been notified."
	}
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	resp, err := s.sessions.GetSession(c.UserContext(), c.Params("id"), userIDFrom(c))
	if err != nil {
		return s.sessionError(c, err)
	}
	return c.JSON(resp)
}

// handleConsumeSession is the Generation Gateway boundary: a 200 authorizes
// exactly one generation call.
func (s *Server) handleConsumeSession(c *fiber.Ctx) error {
	auth, err := s.sessions.ValidateAndConsume(c.UserContext(), c.Params("id"), userIDFrom(c))
	if err != nil {
		return s.sessionError(c, err)
	}
	return c.JSON(auth)
}

func (s *Server) sessionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Generation session not found",
			"code":  codeSessionNotFound,
		})
	case errors.Is(err, session.ErrSessionExpired):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{
			"error": "Generation session timed out, start a new one",
			"code":  codeSessionExpired,
		})
	case errors.Is(err, session.ErrSessionExhausted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Generation session has no generations left",
			"code":  codeSessionExhausted,
		})
	case errors.Is(err, session.ErrRetryExhausted):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Generation session was updated concurrently, please retry",
			"code":  codeRetry,
		})
	}

	s.logger.Error("Generation session request failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fmt.Sprintf("Failed to %s generation session", verbFor(c)),
	})
}

func verbFor(c *fiber.Ctx) string {
	if c.Method() == fiber.MethodGet {
		return "load"
	}
	return "consume"
}
