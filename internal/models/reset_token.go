package models

import "time"

// PasswordResetToken is the single-use record resolving a reset token back to
// an identity. Only the SHA-256 hash of the random token is stored; the
// plaintext goes out through the delivery channel and is never persisted.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Usable reports whether the token can still redeem a password reset.
func (t *PasswordResetToken) Usable(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}
