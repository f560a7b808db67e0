package session

import (
	"context"
	"strings"
	"time"
)

// maxTokenLen bounds presented credentials before any parsing work.
const maxTokenLen = 4096

// Service validates access tokens for realtime connections.
type Service struct {
	tokens Verifier
	store  Store
	now    func() time.Time
}

// NewService constructs a Service. A nil store disables the session row check.
func NewService(tokens Verifier, store Store) *Service {
	return &Service{tokens: tokens, store: store, now: time.Now}
}

// ValidateAccessToken verifies an access token and, when a store is configured,
// ensures the backing session is still active.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLen {
		return AccessClaims{}, ErrInvalidToken
	}

	now := s.now().UTC()
	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}
	if s.store == nil {
		return claims, nil
	}

	// Server-authoritative session check to honor revocations.
	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil || row.ReplacedBySessionID != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}
	return claims, nil
}
