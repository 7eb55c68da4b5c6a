package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators embedded in signed claims. An access token can
// never be presented where a refresh token is expected, and vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenClaims are the signed JWT claims for both token types. The refresh
// token's jti (RegisteredClaims.ID) is the key of its store record.
type TokenClaims struct {
	Type   string `json:"typ"`
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is the result of issuance and rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token TTL in seconds
}

// RefreshToken is the durable record backing a signed refresh token. A
// presented refresh token is usable only while its record exists, is not
// revoked, and has not passed ExpiresAt. Rotation and bulk revocation take
// effect immediately, before the signature's natural expiry.
type RefreshToken struct {
	ID        string // matches the jti embedded in the signed token
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
}

// Usable reports whether the record still backs a valid credential.
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}
