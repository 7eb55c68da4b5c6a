package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/models"
	pkgauth "github.com/averyhill/strongbox/pkg/auth"
	pkglogger "github.com/averyhill/strongbox/pkg/logger"
)

// IdentityStore defines the durable identity operations the services need.
type IdentityStore interface {
	GetByID(ctx context.Context, id string) (*models.Identity, error)
	GetByIdentifier(ctx context.Context, identifier string) (*models.Identity, error)
	Create(ctx context.Context, identity *models.Identity) (*models.Identity, error)
	Save(ctx context.Context, identity *models.Identity) (*models.Identity, error)
}

// ResetTokenStore defines the password reset token record operations.
type ResetTokenStore interface {
	Create(ctx context.Context, token *models.PasswordResetToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)
	MarkUsed(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// ResetMailer delivers password reset tokens out of band.
type ResetMailer interface {
	SendResetToken(ctx context.Context, email, token string, expiresAt time.Time) error
}

// LockoutPolicy configures the failed-attempt lockout state machine.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// LoginResult is the outcome of a successful credential check. When the
// account has a confirmed second factor, Tokens is nil and the caller must
// complete verification with the issued Challenge before a session exists.
type LoginResult struct {
	Identity             *models.Identity
	Tokens               *models.TokenPair
	SecondFactorRequired bool
	Challenge            string
}

// AuthService handles registration, login, and the password lifecycle.
type AuthService struct {
	store       IdentityStore
	resets      ResetTokenStore
	tokens      *TokenService
	hasher      *pkgauth.Hasher
	mailer      ResetMailer
	timing      *auth.TimingDelay
	challenges  *LoginChallenges
	lockout     LockoutPolicy
	resetTTL    time.Duration
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	store IdentityStore,
	resets ResetTokenStore,
	tokens *TokenService,
	hasher *pkgauth.Hasher,
	mailer ResetMailer,
	timing *auth.TimingDelay,
	challenges *LoginChallenges,
	lockout LockoutPolicy,
	resetTTL time.Duration,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	return &AuthService{
		store:       store,
		resets:      resets,
		tokens:      tokens,
		hasher:      hasher,
		mailer:      mailer,
		timing:      timing,
		challenges:  challenges,
		lockout:     lockout,
		resetTTL:    resetTTL,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Register creates a new identity. The email is normalized to lowercase and
// the password must clear the strength rules.
func (s *AuthService) Register(ctx context.Context, email, username, password string) (*models.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)

	if email == "" {
		return nil, fmt.Errorf("email is required: %w", models.ErrBadRequest)
	}
	if username == "" {
		return nil, fmt.Errorf("username is required: %w", models.ErrBadRequest)
	}

	if violations := pkgauth.ValidateStrength(password); len(violations) > 0 {
		return nil, &models.WeakPasswordError{Violations: violations}
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	identity := &models.Identity{
		Email:                email,
		Username:             username,
		PasswordHash:         passwordHash,
		PasswordHistory:      []string{passwordHash},
		LastPasswordChangeAt: &now,
	}

	created, err := s.store.Create(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.logger.Info("registration failed: identity already exists")
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create identity", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("identity registered", slog.String("user_id", created.ID))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "identity_registered",
		UserID:    created.ID,
		Success:   true,
	})

	return created, nil
}

// Login runs the credential check and lockout state machine. Unknown
// accounts and wrong passwords both collapse to ErrInvalidCredentials, and
// the timing delay pads the unknown-account path so neither latency nor the
// error reveals whether the identifier exists.
func (s *AuthService) Login(ctx context.Context, identifier, password, ipAddress string) (*LoginResult, error) {
	start := time.Now()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		s.timing.WaitFrom(start, false)
		return nil, models.ErrInvalidCredentials
	}

	identity, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.auditLogger.Record(pkglogger.AuditEvent{
				EventType:     "login_failed",
				IPAddress:     ipAddress,
				FailureReason: "unknown_identifier",
				Success:       false,
			})
			s.timing.WaitFrom(start, false)
			return nil, models.ErrInvalidCredentials
		}
		s.logger.Error("failed to resolve login identifier", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// Lockout wins over inactivity so the caller always learns the wait time
	now := time.Now()
	if identity.IsLocked(now) {
		retryAfter := identity.LockedUntil.Sub(now)
		s.auditLogger.Record(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        identity.ID,
			IPAddress:     ipAddress,
			FailureReason: "account_locked",
			Success:       false,
		})
		s.timing.WaitFrom(start, false)
		return nil, &models.AccountLockedError{RetryAfter: retryAfter}
	}

	if !identity.IsActive() {
		s.auditLogger.Record(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        identity.ID,
			IPAddress:     ipAddress,
			FailureReason: "account_inactive",
			Success:       false,
		})
		s.timing.WaitFrom(start, false)
		return nil, models.ErrAccountInactive
	}

	if !s.hasher.Compare(identity.PasswordHash, password) {
		s.recordFailedAttempt(ctx, identity, ipAddress)
		s.timing.WaitFrom(start, false)
		return nil, models.ErrInvalidCredentials
	}

	// Successful password check resets the lockout state machine
	identity.FailedAttempts = 0
	identity.LockedUntil = nil
	identity.LastLoginAt = &now
	saved, err := s.store.Save(ctx, identity)
	if err != nil {
		// A concurrent save losing the counter reset is tolerable; the next
		// successful login resets it again.
		if errors.Is(err, models.ErrVersionConflict) {
			s.logger.Warn("lost counter reset to concurrent save", slog.String("user_id", identity.ID))
			saved = identity
		} else {
			s.logger.Error("failed to save identity after login", slog.String("user_id", identity.ID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
	}

	if saved.TOTPEnabled && saved.TOTPConfirmed {
		challenge, err := s.challenges.Issue(ctx, saved.ID)
		if err != nil {
			s.logger.Error("failed to issue login challenge", slog.String("user_id", saved.ID), slog.Any("error", err))
			return nil, models.ErrServiceUnavailable
		}
		s.logger.Info("login pending second factor", slog.String("user_id", saved.ID))
		return &LoginResult{Identity: saved, SecondFactorRequired: true, Challenge: challenge}, nil
	}

	pair, err := s.tokens.IssuePair(ctx, saved)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.String("user_id", saved.ID))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "login_success",
		UserID:    saved.ID,
		IPAddress: ipAddress,
		Success:   true,
	})

	return &LoginResult{Identity: saved, Tokens: pair}, nil
}

// recordFailedAttempt bumps the failure counter and arms the lock when the
// threshold is crossed. The counter only resets on successful authentication,
// so a failure right after the lock expires re-arms it immediately. The
// locking attempt itself still reports plain invalid credentials; the lockout
// error only surfaces on the next attempt.
func (s *AuthService) recordFailedAttempt(ctx context.Context, identity *models.Identity, ipAddress string) {
	identity.FailedAttempts++

	reason := "invalid_password"
	if identity.FailedAttempts >= s.lockout.Threshold {
		lockedUntil := time.Now().Add(s.lockout.Duration)
		identity.LockedUntil = &lockedUntil
		reason = "account_locked"
	}

	if _, err := s.store.Save(ctx, identity); err != nil {
		// Losing a counter bump to a concurrent attempt slightly undercounts;
		// the lock still arms within a bounded number of extra attempts.
		if errors.Is(err, models.ErrVersionConflict) {
			s.logger.Warn("lost failed-attempt update to concurrent save", slog.String("user_id", identity.ID))
		} else {
			s.logger.Error("failed to save failed-attempt state", slog.String("user_id", identity.ID), slog.Any("error", err))
		}
	}

	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType:     "login_failed",
		UserID:        identity.ID,
		IPAddress:     ipAddress,
		FailureReason: reason,
		Success:       false,
	})
}

// Refresh rotates a refresh token after re-checking the account state. A
// token for a deactivated or locked account cannot mint a new session even
// though its signature is still valid.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	identity, err := s.store.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidToken
		}
		s.logger.Error("failed to load identity for refresh", slog.String("user_id", claims.UserID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if !identity.IsActive() {
		return nil, models.ErrAccountInactive
	}
	if now := time.Now(); identity.IsLocked(now) {
		return nil, &models.AccountLockedError{RetryAfter: identity.LockedUntil.Sub(now)}
	}

	return s.tokens.Rotate(ctx, identity, refreshToken)
}

// Logout revokes the presented refresh token.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.Revoke(ctx, refreshToken)
}

// LogoutAll revokes every refresh token the user holds.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	_, err := s.tokens.RevokeAll(ctx, userID)
	return err
}

// ChangePassword verifies the current password, enforces strength and
// history rules, and revokes every outstanding session on success.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	identity, err := s.store.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to load identity for password change", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	if !s.hasher.Compare(identity.PasswordHash, currentPassword) {
		s.auditLogger.Record(pkglogger.AuditEvent{
			EventType:     "password_change_failed",
			UserID:        userID,
			FailureReason: "invalid_current_password",
			Success:       false,
		})
		return models.ErrInvalidCredentials
	}

	if err := s.applyNewPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	s.logger.Info("password changed", slog.String("user_id", userID))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "password_changed",
		UserID:    userID,
		Success:   true,
	})

	return nil
}

// applyNewPassword runs the strength and reuse checks, rotates the new hash
// into history, saves, and revokes all refresh tokens. The history always
// carries the current hash as its newest entry, so the reuse window covers
// exactly the retained generations.
func (s *AuthService) applyNewPassword(ctx context.Context, identity *models.Identity, newPassword string) error {
	if violations := pkgauth.ValidateStrength(newPassword); len(violations) > 0 {
		return &models.WeakPasswordError{Violations: violations}
	}

	// Rows created before history seeding carry only the current hash
	if len(identity.PasswordHistory) == 0 {
		identity.PasswordHistory = []string{identity.PasswordHash}
	}

	if s.hasher.IsReused(newPassword, identity.PasswordHistory) {
		s.auditLogger.Record(pkglogger.AuditEvent{
			EventType:     "password_change_failed",
			UserID:        identity.ID,
			FailureReason: "password_reused",
			Success:       false,
		})
		return models.ErrPasswordReused
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		s.logger.Error("failed to hash new password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	now := time.Now()
	identity.PushPasswordHistory(newHash)
	identity.PasswordHash = newHash
	identity.LastPasswordChangeAt = &now

	if _, err := s.store.Save(ctx, identity); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return models.ErrVersionConflict
		}
		s.logger.Error("failed to save new password", slog.String("user_id", identity.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	// Every outstanding session dies with the old password
	if _, err := s.tokens.RevokeAll(ctx, identity.ID); err != nil {
		s.logger.Error("failed to revoke sessions after password change",
			slog.String("user_id", identity.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	return nil
}

// RequestPasswordReset issues a reset token and mails it. The response is
// identical whether or not the email maps to an account.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}

	identity, err := s.store.GetByIdentifier(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to look up identity for reset", slog.Any("error", err))
		}
		return nil
	}

	token, err := generateResetToken()
	if err != nil {
		s.logger.Error("failed to generate reset token", slog.Any("error", err))
		return nil
	}

	expiresAt := time.Now().Add(s.resetTTL)
	record := &models.PasswordResetToken{
		UserID:    identity.ID,
		TokenHash: hashResetToken(token),
		ExpiresAt: expiresAt,
	}

	if err := s.resets.Create(ctx, record); err != nil {
		s.logger.Error("failed to store reset token", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil
	}

	if err := s.mailer.SendResetToken(ctx, identity.Email, token, expiresAt); err != nil {
		s.logger.Error("failed to send reset email", slog.String("user_id", identity.ID), slog.Any("error", err))
		return nil
	}

	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "password_reset_requested",
		UserID:    identity.ID,
		Success:   true,
	})

	return nil
}

// ResetPassword consumes a reset token and sets a new password. The token
// is single-use; expired, used, and unknown tokens all report ErrInvalidToken.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	record, err := s.resets.GetByTokenHash(ctx, hashResetToken(strings.TrimSpace(token)))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidToken
		}
		s.logger.Error("failed to look up reset token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if !record.Usable(time.Now()) {
		return models.ErrInvalidToken
	}

	identity, err := s.store.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidToken
		}
		s.logger.Error("failed to load identity for reset", slog.String("user_id", record.UserID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	// Consume the token before touching the password; a racing reset with
	// the same token loses here.
	if err := s.resets.MarkUsed(ctx, record.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidToken
		}
		s.logger.Error("failed to consume reset token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.applyNewPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	s.logger.Info("password reset completed", slog.String("user_id", identity.ID))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "password_reset_completed",
		UserID:    identity.ID,
		Success:   true,
	})

	return nil
}

// SweepExpiredResets removes reset token records past their expiry.
func (s *AuthService) SweepExpiredResets(ctx context.Context) (int64, error) {
	count, err := s.resets.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("failed to sweep expired reset tokens", slog.Any("error", err))
		return 0, err
	}

	if count > 0 {
		s.logger.Info("swept expired reset tokens", slog.Int64("count", count))
	}
	return count, nil
}

func generateResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
