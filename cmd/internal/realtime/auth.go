package realtime

import (
	"context"
	"strings"
)

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID   string
	DeviceID string
}

// CredentialValidator verifies a bearer credential issued by the external auth service.
type CredentialValidator interface {
	ValidateCredential(ctx context.Context, credential string) (Identity, error)
}

// CredentialValidatorFunc adapts a function to CredentialValidator.
type CredentialValidatorFunc func(ctx context.Context, credential string) (Identity, error)

// ValidateCredential calls f.
func (f CredentialValidatorFunc) ValidateCredential(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// DevValidator accepts "user" or "user/device" as a credential. Dev only.
type DevValidator struct{}

// ValidateCredential parses the credential as a plain user id with an optional device suffix.
func (DevValidator) ValidateCredential(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" || len(credential) > 256 {
		return Identity{}, ErrUnauthorized
	}
	user, device, _ := strings.Cut(credential, "/")
	user = strings.TrimSpace(user)
	device = strings.TrimSpace(device)
	if user == "" {
		return Identity{}, ErrUnauthorized
	}
	if device == "" {
		device = "default"
	}
	return Identity{UserID: user, DeviceID: device}, nil
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
