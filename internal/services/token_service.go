package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/models"
	"github.com/google/uuid"
)

// RefreshTokenStore defines the durable record operations behind refresh
// token issuance and rotation.
type RefreshTokenStore interface {
	Insert(ctx context.Context, token *models.RefreshToken) error
	GetByID(ctx context.Context, id string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldID string, next *models.RefreshToken) error
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TokenIssuer is the subset of TokenService other services need to mint a
// session after their own checks pass.
type TokenIssuer interface {
	IssuePair(ctx context.Context, identity *models.Identity) (*models.TokenPair, error)
}

// TokenService handles signed token issuance, verification, rotation, and
// revocation.
type TokenService struct {
	tokens RefreshTokenStore
	tm     *auth.TokenManager
	logger *slog.Logger
}

// NewTokenService creates a new TokenService
func NewTokenService(tokens RefreshTokenStore, tm *auth.TokenManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		tokens: tokens,
		tm:     tm,
		logger: logger,
	}
}

// IssuePair mints a fresh access/refresh pair and records the refresh
// token so it can later be rotated or revoked.
func (s *TokenService) IssuePair(ctx context.Context, identity *models.Identity) (*models.TokenPair, error) {
	tokenID := uuid.New().String()

	accessToken, err := s.tm.GenerateAccessToken(identity.ID, identity.Role)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	refreshToken, err := s.tm.GenerateRefreshToken(identity.ID, identity.Role, tokenID)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	record := &models.RefreshToken{
		ID:        tokenID,
		UserID:    identity.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.tm.RefreshTTL()),
	}

	if err := s.tokens.Insert(ctx, record); err != nil {
		s.logger.Error("failed to store refresh token record", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tm.AccessTTL().Seconds()),
	}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(ctx context.Context, tokenString string) (*models.TokenClaims, error) {
	claims, err := s.tm.ValidateToken(strings.TrimSpace(tokenString))
	if err != nil {
		return nil, err
	}

	if claims.Type != models.TokenTypeAccess {
		return nil, models.ErrInvalidToken
	}

	return claims, nil
}

// VerifyRefresh validates a refresh token's signature and checks its stored
// record. A missing record is reported as revoked, the same as an actually
// revoked one, so a stolen-then-swept token reveals nothing extra.
func (s *TokenService) VerifyRefresh(ctx context.Context, tokenString string) (*models.TokenClaims, error) {
	claims, err := s.tm.ValidateToken(strings.TrimSpace(tokenString))
	if err != nil {
		return nil, err
	}

	if claims.Type != models.TokenTypeRefresh {
		return nil, models.ErrInvalidToken
	}

	record, err := s.tokens.GetByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenRevoked
		}
		s.logger.Error("failed to load refresh token record", slog.String("jti", claims.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if record.Revoked {
		return nil, models.ErrTokenRevoked
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, models.ErrTokenExpired
	}

	return claims, nil
}

// Rotate consumes a refresh token and returns a replacement pair. The old
// record is revoked and the new one inserted atomically, so of two racing
// rotations exactly one wins; the loser gets ErrTokenRevoked.
func (s *TokenService) Rotate(ctx context.Context, identity *models.Identity, tokenString string) (*models.TokenPair, error) {
	claims, err := s.VerifyRefresh(ctx, tokenString)
	if err != nil {
		return nil, err
	}

	if claims.UserID != identity.ID {
		return nil, models.ErrInvalidToken
	}

	newTokenID := uuid.New().String()

	accessToken, err := s.tm.GenerateAccessToken(identity.ID, identity.Role)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	refreshToken, err := s.tm.GenerateRefreshToken(identity.ID, identity.Role, newTokenID)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	next := &models.RefreshToken{
		ID:        newTokenID,
		UserID:    identity.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.tm.RefreshTTL()),
	}

	if err := s.tokens.Rotate(ctx, claims.ID, next); err != nil {
		if errors.Is(err, models.ErrTokenRevoked) {
			s.logger.Warn("refresh token replay detected",
				slog.String("user_id", identity.ID),
				slog.String("jti", claims.ID))
			return nil, models.ErrTokenRevoked
		}
		s.logger.Error("failed to rotate refresh token", slog.String("jti", claims.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("refresh token rotated", slog.String("user_id", identity.ID))

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tm.AccessTTL().Seconds()),
	}, nil
}

// Revoke invalidates a single refresh token. Revoking an already revoked
// token succeeds; an expired token has nothing left to revoke.
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.tm.ValidateToken(strings.TrimSpace(tokenString))
	if err != nil {
		if errors.Is(err, models.ErrTokenExpired) {
			return nil
		}
		return err
	}

	if claims.Type != models.TokenTypeRefresh {
		return models.ErrInvalidToken
	}

	if err := s.tokens.Revoke(ctx, claims.ID); err != nil {
		s.logger.Error("failed to revoke refresh token", slog.String("jti", claims.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("refresh token revoked", slog.String("user_id", claims.UserID))
	return nil
}

// RevokeAll invalidates every live refresh token a user holds and returns
// how many were revoked. Used on password change and "logout everywhere".
func (s *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	count, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to revoke user tokens", slog.String("user_id", userID), slog.Any("error", err))
		return 0, models.ErrInternalServer
	}

	s.logger.Info("revoked all refresh tokens",
		slog.String("user_id", userID),
		slog.Int64("count", count))
	return count, nil
}

// SweepExpired removes refresh token records past their expiry.
func (s *TokenService) SweepExpired(ctx context.Context) (int64, error) {
	count, err := s.tokens.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("failed to sweep expired refresh tokens", slog.Any("error", err))
		return 0, err
	}

	if count > 0 {
		s.logger.Info("swept expired refresh tokens", slog.Int64("count", count))
	}
	return count, nil
}
