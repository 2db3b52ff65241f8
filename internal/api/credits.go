package api

import (
	"github.com/gofiber/fiber/v2"
)

const defaultTransactionPageSize = 50

func (s *Server) handleGetBalance(c *fiber.Ctx) error {
	userID := userIDFrom(c)
	credits, err := s.sessions.Balance(c.UserContext(), userID)
	if err != nil {
		s.logger.Error("Error fetching balance", "userID", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch balance"})
	}
	return c.JSON(fiber.Map{"credits": credits})
}

func (s *Server) handleListTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultTransactionPageSize)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
	}

	userID := userIDFrom(c)
	txns, err := s.sessions.Transactions(c.UserContext(), userID, limit)
	if err != nil {
		s.logger.Error("Error fetching transactions", "userID", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch transactions"})
	}
	return c.JSON(fiber.Map{"transactions": txns})
}
