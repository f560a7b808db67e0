package session

import (
	"context"
	"time"
)

// Row mirrors the auth service's sessions row fields needed for verification.
type Row struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
	// ReplacedBySessionID is set once the session was rotated.
	ReplacedBySessionID *string
}

// Store reads auth session state.
type Store interface {
	// GetByID loads a session row by ID. Returns ErrSessionNotFound when absent.
	GetByID(ctx context.Context, sessionID string) (Row, error)
}
