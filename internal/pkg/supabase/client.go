package supabase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/supabase-community/gotrue-go"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// extractProjectRef extracts just the project reference ID from a Supabase URL
// From: akrqbuajqkirdekonpzy.supabase.co
// To: akrqbuajqkirdekonpzy
func extractProjectRef(url string) string {
	// Remove any protocol prefix
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")

	// Split by the first dot to get just the project reference
	parts := strings.Split(url, ".")
	return parts[0]
}

// Verifier resolves Supabase access tokens to user ids through GoTrue.
type Verifier struct {
	projectRef string
	apiKey     string
}

// NewVerifier checks connectivity with the GoTrue settings endpoint before
// returning.
func NewVerifier(supabaseURL, supabaseKey string) (*Verifier, error) {
	if supabaseURL == "" || supabaseKey == "" {
		return nil, errors.New("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	projectRef := extractProjectRef(supabaseURL)
	slog.Info("Initializing Supabase client", "projectRef", projectRef)

	if _, err := gotrue.New(projectRef, supabaseKey).GetSettings(); err != nil {
		return nil, fmt.Errorf("failed to connect to Supabase: %w", err)
	}

	slog.Info("✅ Supabase connection successful")
	return &Verifier{projectRef: projectRef, apiKey: supabaseKey}, nil
}

// VerifyToken returns the id of the user the access token belongs to.
func (v *Verifier) VerifyToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	// A fresh client per call keeps user tokens out of shared state.
	user, err := gotrue.New(v.projectRef, v.apiKey).WithToken(token).GetUser()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return user.ID.String(), nil
}
