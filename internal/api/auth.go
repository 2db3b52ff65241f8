package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/golang-jwt/jwt/v4"

	"github.com/ahmdragab/JJ-sub002/internal/config"
)

const userIDKey = "userID"

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

func (s *Server) authMiddleware() fiber.Handler {
	if s.cfg.Auth.Provider == config.AuthProviderSupabase && s.verifier != nil {
		return s.verifierAuth
	}

	return jwtware.New(jwtware.Config{
		SigningKey:     []byte(s.cfg.JWT.Secret),
		SigningMethod:  "HS256",
		ErrorHandler:   unauthorized,
		SuccessHandler: subjectToUserID,
	})
}

// subjectToUserID copies the token's sub claim into the request locals.
func subjectToUserID(c *fiber.Ctx) error {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return unauthorized(c, nil)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return unauthorized(c, nil)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return unauthorized(c, nil)
	}

	c.Locals(userIDKey, sub)
	return c.Next()
}

func (s *Server) verifierAuth(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return unauthorized(c, nil)
	}

	userID, err := s.verifier.VerifyToken(c.UserContext(), strings.TrimSpace(token))
	if err != nil || userID == "" {
		s.logger.Info("Rejected bearer token", "error", err)
		return unauthorized(c, err)
	}

	c.Locals(userIDKey, userID)
	return c.Next()
}

func unauthorized(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Missing or invalid authentication token",
	})
}

func userIDFrom(c *fiber.Ctx) string {
	userID, _ := c.Locals(userIDKey).(string)
	return userID
}
