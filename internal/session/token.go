package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSessionExpired indicates a bearer token whose exp claim has passed.
var ErrSessionExpired = errors.New("session: token expired")

// TokenInfo is what the client can learn from a bearer token without the
// server's key.
type TokenInfo struct {
	Subject   string
	ExpiresAt *time.Time
	Opaque    bool
}

// InspectToken decodes the claims of a JWT bearer token without verifying its
// signature. Tokens that are not JWTs are reported as opaque.
func InspectToken(token string) TokenInfo {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return TokenInfo{Opaque: true}
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err != nil {
		return TokenInfo{Opaque: true}
	}
	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		expiresAt := claims.ExpiresAt.Time
		info.ExpiresAt = &expiresAt
	}
	return info
}

// CheckExpiry returns ErrSessionExpired when the bearer token carries an exp
// claim at or before now. Opaque tokens always pass.
func (c Context) CheckExpiry(now time.Time) error {
	info := InspectToken(c.BearerToken)
	if info.Opaque || info.ExpiresAt == nil {
		return nil
	}
	if !now.Before(*info.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}
