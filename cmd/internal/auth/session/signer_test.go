package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Signer mints access tokens the way the auth service does.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewSigner returns a Signer for secretHex. An empty secretHex generates a fresh keypair.
func NewSigner(issuer, secretHex string, ttl time.Duration) (*Signer, error) {
	var (
		secret paseto.V4AsymmetricSecretKey
		err    error
	)
	if secretHex == "" {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else if secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(secretHex); err != nil {
		return nil, ErrConfig
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// PublicKeyHex returns the hex-encoded public key matching the signer.
func (s *Signer) PublicKeyHex() string {
	return s.secret.Public().ExportHex()
}

// Issue signs a token for the given identity.
func (s *Signer) Issue(userID, sessionID, deviceID string, now time.Time) (string, time.Time) {
	exp := now.Add(s.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)
	if deviceID != "" {
		_ = tok.Set("did", deviceID)
	}

	return tok.V4Sign(s.secret, nil), exp
}
