package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	jwt5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahmdragab/JJ-sub002/internal/config"
	"github.com/ahmdragab/JJ-sub002/internal/models"
	"github.com/ahmdragab/JJ-sub002/internal/session"
)

const testSecret = "test-secret"

// MockSessionService mocks SessionService
type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) CreateSession(ctx context.Context, userID string, req models.CreateSessionRequest) (*models.SessionGrant, error) {
	args := m.Called(ctx, userID, req)
	grant, _ := args.Get(0).(*models.SessionGrant)
	return grant, args.Error(1)
}

func (m *MockSessionService) ValidateAndConsume(ctx context.Context, sessionID, userID string) (*models.Authorization, error) {
	args := m.Called(ctx, sessionID, userID)
	auth, _ := args.Get(0).(*models.Authorization)
	return auth, args.Error(1)
}

func (m *MockSessionService) GetSession(ctx context.Context, sessionID, userID string) (*models.SessionResponse, error) {
	args := m.Called(ctx, sessionID, userID)
	resp, _ := args.Get(0).(*models.SessionResponse)
	return resp, args.Error(1)
}

func (m *MockSessionService) Balance(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockSessionService) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	args := m.Called(ctx, userID, limit)
	txns, _ := args.Get(0).([]models.CreditTransaction)
	return txns, args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            ":8080",
			Environment:     "development",
			MaxRequests:     1000,
			ShutdownTimeout: time.Second,
		},
		JWT:  config.JWTConfig{Secret: testSecret},
		Auth: config.AuthConfig{Provider: config.AuthProviderJWT},
	}
}

// setupTestServer initializes a test instance of the API server.
func setupTestServer(t *testing.T) (*Server, *MockSessionService) {
	t.Helper()
	svc := new(MockSessionService)
	return NewServer(testConfig(), svc, nil, nil), svc
}

func mintToken(t *testing.T, claims jwt5.MapClaims) string {
	t.Helper()
	token := jwt5.NewWithClaims(jwt5.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func userToken(t *testing.T, userID string) string {
	return mintToken(t, jwt5.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})
}

func doRequest(t *testing.T, s *Server, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func intPtr(v int) *int { return &v }

func TestHandleCreateSession(t *testing.T) {
	expiresAt := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	t.Run("created", func(t *testing.T) {
		server, svc := setupTestServer(t)
		req := models.CreateSessionRequest{CreditCost: intPtr(2), MaxGenerations: intPtr(3)}
		svc.On("CreateSession", mock.Anything, "user-1", req).Return(&models.SessionGrant{
			Session: &models.GenerationSession{
				ID:              "abc",
				UserID:          "user-1",
				CreditsDeducted: 2,
				MaxGenerations:  3,
				ExpiresAt:       expiresAt,
			},
			RemainingCredits: 3,
		}, nil)

		body, _ := json.Marshal(req)
		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), bytes.NewReader(body))
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

		var result models.CreateSessionResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Equal(t, "abc", result.SessionID)
		assert.Equal(t, 2, result.CreditsDeducted)
		assert.Equal(t, 3, result.MaxGenerations)
		assert.Equal(t, 3, result.RemainingCredits)
		assert.True(t, expiresAt.Equal(result.ExpiresAt))
		svc.AssertExpectations(t)
	})

	t.Run("empty body uses defaults", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("CreateSession", mock.Anything, "user-1", models.CreateSessionRequest{}).Return(&models.SessionGrant{
			Session:          &models.GenerationSession{ID: "abc", CreditsDeducted: 2, MaxGenerations: 3, ExpiresAt: expiresAt},
			RemainingCredits: 8,
		}, nil)

		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), nil)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
		svc.AssertExpectations(t)
	})

	t.Run("invalid body", func(t *testing.T) {
		server, svc := setupTestServer(t)

		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), strings.NewReader("{creditCost:"))
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		svc.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("insufficient credits", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("CreateSession", mock.Anything, "user-1", mock.Anything).
			Return(nil, &session.InsufficientCreditsError{Required: 2, Available: 1})

		body := strings.NewReader(`{"creditCost":2}`)
		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), body)
		assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

		result := decode(t, resp)
		assert.Equal(t, float64(1), result["credits"])
		assert.Equal(t, "Insufficient credits", result["error"])
	})

	t.Run("failure after refund", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("CreateSession", mock.Anything, "user-1", mock.Anything).
			Return(nil, &session.SessionCreationError{Err: errors.New("insert failed"), Refund: session.RefundIssued})

		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), nil)
		assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

		result := decode(t, resp)
		assert.Equal(t, "Failed to create generation session", result["error"])
		assert.Contains(t, result["message"], "refunded")
	})

	t.Run("failure with queued refund", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("CreateSession", mock.Anything, "user-1", mock.Anything).
			Return(nil, &session.SessionCreationError{Err: errors.New("insert failed"), Refund: session.RefundQueued})

		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), nil)
		assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
		assert.Contains(t, decode(t, resp)["message"], "queued")
	})

	t.Run("contention", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("CreateSession", mock.Anything, "user-1", mock.Anything).Return(nil, session.ErrRetryExhausted)

		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), nil)
		assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
		assert.Contains(t, decode(t, resp)["message"], "retry")
	})

	t.Run("storage failure", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("CreateSession", mock.Anything, "user-1", mock.Anything).Return(nil, errors.New("connection reset"))

		resp := doRequest(t, server, "POST", "/api/generation-sessions", userToken(t, "user-1"), nil)
		assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
		_, hasMessage := decode(t, resp)["message"]
		assert.False(t, hasMessage)
	})
}

func TestHandleConsumeSession(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"not found", session.ErrSessionNotFound, fiber.StatusNotFound, codeSessionNotFound},
		{"expired", session.ErrSessionExpired, fiber.StatusGone, codeSessionExpired},
		{"exhausted", session.ErrSessionExhausted, fiber.StatusConflict, codeSessionExhausted},
		{"contention", session.ErrRetryExhausted, fiber.StatusInternalServerError, codeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, svc := setupTestServer(t)
			svc.On("ValidateAndConsume", mock.Anything, "abc", "user-1").Return(nil, tt.err)

			resp := doRequest(t, server, "POST", "/api/generation-sessions/abc/consume", userToken(t, "user-1"), nil)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			assert.Equal(t, tt.expectedCode, decode(t, resp)["code"])
		})
	}

	t.Run("authorized", func(t *testing.T) {
		server, svc := setupTestServer(t)
		svc.On("ValidateAndConsume", mock.Anything, "abc", "user-1").Return(&models.Authorization{
			SessionID:            "abc",
			UserID:               "user-1",
			Generation:           1,
			GenerationsRemaining: 2,
		}, nil)

		resp := doRequest(t, server, "POST", "/api/generation-sessions/abc/consume", userToken(t, "user-1"), nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)

		var auth models.Authorization
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&auth))
		assert.Equal(t, 1, auth.Generation)
		assert.Equal(t, 2, auth.GenerationsRemaining)
	})
}

func TestHandleGetSession(t *testing.T) {
	server, svc := setupTestServer(t)
	svc.On("GetSession", mock.Anything, "abc", "user-1").Return(&models.SessionResponse{
		GenerationSession: models.GenerationSession{ID: "abc", UserID: "user-1", MaxGenerations: 3, GenerationsUsed: 3},
		State:             models.SessionExhausted,
	}, nil)
	svc.On("GetSession", mock.Anything, "missing", "user-1").Return(nil, session.ErrSessionNotFound)

	resp := doRequest(t, server, "GET", "/api/generation-sessions/abc", userToken(t, "user-1"), nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	result := decode(t, resp)
	assert.Equal(t, "abc", result["sessionId"])
	assert.Equal(t, "exhausted", result["state"])

	resp = doRequest(t, server, "GET", "/api/generation-sessions/missing", userToken(t, "user-1"), nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCreditsRoutes(t *testing.T) {
	server, svc := setupTestServer(t)
	svc.On("Balance", mock.Anything, "user-1").Return(7, nil)
	svc.On("Transactions", mock.Anything, "user-1", 10).Return([]models.CreditTransaction{
		{ID: 1, UserID: "user-1", Type: models.TransactionGranted, Amount: 9, BalanceAfter: 9},
		{ID: 2, UserID: "user-1", Type: models.TransactionDebited, Amount: -2, BalanceAfter: 7},
	}, nil)

	resp := doRequest(t, server, "GET", "/api/credits", userToken(t, "user-1"), nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), decode(t, resp)["credits"])

	resp = doRequest(t, server, "GET", "/api/credits/transactions?limit=10", userToken(t, "user-1"), nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var page struct {
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Transactions, 2)
	assert.Equal(t, 7, models.ReplayBalance(page.Transactions))

	resp = doRequest(t, server, "GET", "/api/credits/transactions?limit=0", userToken(t, "user-1"), nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"missing token", func(*testing.T) string { return "" }},
		{"garbage token", func(*testing.T) string { return "not-a-jwt" }},
		{"wrong secret", func(t *testing.T) string {
			token := jwt5.NewWithClaims(jwt5.SigningMethodHS256, jwt5.MapClaims{"sub": "user-1"})
			signed, err := token.SignedString([]byte("other-secret"))
			require.NoError(t, err)
			return signed
		}},
		{"expired token", func(t *testing.T) string {
			return mintToken(t, jwt5.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()})
		}},
		{"no subject", func(t *testing.T) string {
			return mintToken(t, jwt5.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, svc := setupTestServer(t)

			resp := doRequest(t, server, "POST", "/api/generation-sessions", tt.token(t), nil)
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
			assert.NotEmpty(t, decode(t, resp)["error"])
			svc.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPublicRoutes(t *testing.T) {
	server, _ := setupTestServer(t)

	resp := doRequest(t, server, "GET", "/healthz", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = doRequest(t, server, "GET", "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
