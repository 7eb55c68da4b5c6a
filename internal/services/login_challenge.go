package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/averyhill/strongbox/internal/cache"
	"github.com/averyhill/strongbox/internal/models"
)

// LoginChallenges tracks password-verified logins that are still waiting on a
// second factor. Login issues an opaque challenge; the verification endpoints
// refuse to act without it, so a code alone can never mint a session. The
// challenge is per-user, single-use, and expires with the TTL.
type LoginChallenges struct {
	cache cache.Store
	ttl   time.Duration
}

// NewLoginChallenges creates a new LoginChallenges store
func NewLoginChallenges(cacheStore cache.Store, ttl time.Duration) *LoginChallenges {
	return &LoginChallenges{cache: cacheStore, ttl: ttl}
}

func challengeKey(userID string) string {
	return "2fa:pending:" + userID
}

// Issue mints a fresh challenge for the user, replacing any outstanding one.
func (c *LoginChallenges) Issue(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	challenge := hex.EncodeToString(buf)

	if err := c.cache.SetWithTTL(ctx, challengeKey(userID), challenge, c.ttl); err != nil {
		return "", err
	}
	return challenge, nil
}

// Check verifies the presented challenge against the outstanding one. An
// absent or mismatched challenge collapses to ErrInvalidCredentials so the
// response never reveals whether a pending login exists for the user.
func (c *LoginChallenges) Check(ctx context.Context, userID, challenge string) error {
	stored, err := c.cache.Get(ctx, challengeKey(userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return models.ErrInvalidCredentials
		}
		return models.ErrServiceUnavailable
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(challenge)) != 1 {
		return models.ErrInvalidCredentials
	}
	return nil
}

// Consume deletes the outstanding challenge after a completed verification.
func (c *LoginChallenges) Consume(ctx context.Context, userID string) error {
	return c.cache.Delete(ctx, challengeKey(userID))
}
