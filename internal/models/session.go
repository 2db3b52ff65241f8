package models

import "time"

// SessionState is derived from a session's counters and expiry; it is not stored.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionExhausted SessionState = "exhausted"
	SessionExpired   SessionState = "expired"
)

// GenerationSession is one pre-paid batch of generation rights.
type GenerationSession struct {
	ID              string    `json:"sessionId" db:"session_id"`
	UserID          string    `json:"userId" db:"user_id"`
	CreditsDeducted int       `json:"creditsDeducted" db:"credits_deducted"`
	MaxGenerations  int       `json:"maxGenerations" db:"max_generations"`
	GenerationsUsed int       `json:"generationsUsed" db:"generations_used"`
	ExpiresAt       time.Time `json:"expiresAt" db:"expires_at"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// State reports the session state at now. Expiry wins over exhaustion.
func (s *GenerationSession) State(now time.Time) SessionState {
	if !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	if s.GenerationsUsed >= s.MaxGenerations {
		return SessionExhausted
	}
	return SessionActive
}

// Remaining returns how many generations the session still authorizes.
func (s *GenerationSession) Remaining() int {
	if s.GenerationsUsed >= s.MaxGenerations {
		return 0
	}
	return s.MaxGenerations - s.GenerationsUsed
}

// CreateSessionRequest is the client body for session creation. Absent fields
// take server defaults.
type CreateSessionRequest struct {
	CreditCost     *int   `json:"creditCost,omitempty"`
	MaxGenerations *int   `json:"maxGenerations,omitempty"`
	Source         string `json:"source,omitempty"`
}

// SessionGrant is the result of a successful reservation.
type SessionGrant struct {
	Session          *GenerationSession
	RemainingCredits int
}

type CreateSessionResponse struct {
	SessionID        string    `json:"sessionId"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CreditsDeducted  int       `json:"creditsDeducted"`
	MaxGenerations   int       `json:"maxGenerations"`
	RemainingCredits int       `json:"remainingCredits"`
}

// Authorization permits exactly one Generation Gateway call.
type Authorization struct {
	SessionID            string    `json:"sessionId"`
	UserID               string    `json:"userId"`
	Generation           int       `json:"generation"`
	GenerationsRemaining int       `json:"generationsRemaining"`
	ExpiresAt            time.Time `json:"expiresAt"`
}

type SessionResponse struct {
	GenerationSession
	State SessionState `json:"state"`
}
