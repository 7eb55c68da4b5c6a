package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/cache"
	"github.com/averyhill/strongbox/internal/config"
	"github.com/averyhill/strongbox/internal/models"
	pkgauth "github.com/averyhill/strongbox/pkg/auth"
	pkglogger "github.com/averyhill/strongbox/pkg/logger"
)

// CodeSender delivers one-time codes over a channel method.
type CodeSender interface {
	SendLoginCode(ctx context.Context, identity *models.Identity, method, code string) error
}

// TwoFactorService handles second-factor enrollment and verification across
// TOTP, channel codes, and backup codes. Failure counters live in the cache
// under a per-user, per-method key with the failure window as TTL.
type TwoFactorService struct {
	store       IdentityStore
	cache       cache.Store
	totp        *auth.TOTPManager
	hasher      *pkgauth.Hasher
	sender      CodeSender
	tokens      TokenIssuer
	challenges  *LoginChallenges
	cfg         config.SecondFactorConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewTwoFactorService creates a new TwoFactorService
func NewTwoFactorService(
	store IdentityStore,
	cacheStore cache.Store,
	totp *auth.TOTPManager,
	hasher *pkgauth.Hasher,
	sender CodeSender,
	tokens TokenIssuer,
	challenges *LoginChallenges,
	cfg config.SecondFactorConfig,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *TwoFactorService {
	return &TwoFactorService{
		store:       store,
		cache:       cacheStore,
		totp:        totp,
		hasher:      hasher,
		sender:      sender,
		tokens:      tokens,
		challenges:  challenges,
		cfg:         cfg,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

func codeKey(userID, method string) string {
	return "2fa:code:" + userID + ":" + method
}

func failKey(userID, method string) string {
	return "2fa:fail:" + userID + ":" + method
}

// EnrollTOTP begins TOTP setup. The enrollment stays pending, and the
// second factor is not required at login, until ConfirmTOTP succeeds.
// Re-enrolling before confirmation replaces the pending secret.
func (s *TwoFactorService) EnrollTOTP(ctx context.Context, userID string) (*auth.Enrollment, error) {
	identity, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, s.mapStoreError(err, userID, "load identity for TOTP enrollment")
	}

	if identity.TOTPEnabled && identity.TOTPConfirmed {
		return nil, models.ErrConflict
	}

	enrollment, err := s.totp.GenerateEnrollment(identity.Email)
	if err != nil {
		s.logger.Error("failed to generate TOTP enrollment", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	identity.TOTPEnabled = true
	identity.TOTPConfirmed = false
	identity.TOTPSecretEnc = enrollment.EncryptedSecret
	identity.TOTPSecretNonce = enrollment.Nonce

	if _, err := s.store.Save(ctx, identity); err != nil {
		s.logger.Error("failed to save TOTP enrollment", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("TOTP enrollment started", slog.String("user_id", userID))
	return enrollment, nil
}

// ConfirmTOTP completes enrollment with a first valid code and returns the
// freshly generated backup codes. The plaintext codes are shown exactly once.
func (s *TwoFactorService) ConfirmTOTP(ctx context.Context, userID, code string) ([]string, error) {
	identity, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, s.mapStoreError(err, userID, "load identity for TOTP confirmation")
	}

	if !identity.TOTPEnabled || identity.TOTPConfirmed || len(identity.TOTPSecretEnc) == 0 {
		return nil, models.ErrBadRequest
	}

	valid, err := s.totp.ValidateCode(identity.TOTPSecretEnc, identity.TOTPSecretNonce, code)
	if err != nil {
		s.logger.Error("failed to validate TOTP code", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !valid {
		return nil, models.ErrSecondFactorInvalid
	}

	codes, err := s.totp.GenerateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hashes := make([]string, len(codes))
	for i, c := range codes {
		hash, err := s.hasher.Hash(c)
		if err != nil {
			s.logger.Error("failed to hash backup code", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		hashes[i] = hash
	}

	identity.TOTPConfirmed = true
	identity.BackupCodeHashes = hashes

	if _, err := s.store.Save(ctx, identity); err != nil {
		s.logger.Error("failed to save TOTP confirmation", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("TOTP enrollment confirmed", slog.String("user_id", userID))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "totp_enrolled",
		UserID:    userID,
		Method:    models.SecondFactorTOTP,
		Success:   true,
	})

	return codes, nil
}

// DisableTOTP removes the TOTP enrollment and backup codes after a valid
// code or backup code proves possession.
func (s *TwoFactorService) DisableTOTP(ctx context.Context, userID, code string) error {
	identity, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return s.mapStoreError(err, userID, "load identity for TOTP disable")
	}

	if !identity.TOTPEnabled {
		return models.ErrBadRequest
	}

	ok, err := s.checkTOTPOrBackupCode(ctx, identity, code)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrSecondFactorInvalid
	}

	identity.TOTPEnabled = false
	identity.TOTPConfirmed = false
	identity.TOTPSecretEnc = nil
	identity.TOTPSecretNonce = nil
	identity.BackupCodeHashes = nil

	if _, err := s.store.Save(ctx, identity); err != nil {
		s.logger.Error("failed to save TOTP disable", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("TOTP disabled", slog.String("user_id", userID))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "totp_disabled",
		UserID:    userID,
		Method:    models.SecondFactorTOTP,
		Success:   true,
	})

	return nil
}

// SendChannelCode generates a one-time code for a channel method, caches it
// under the code TTL, and hands it to the delivery channel. The caller must
// hold the login challenge, so codes cannot be requested for arbitrary users.
// Requesting a new code replaces any outstanding one for the same method.
func (s *TwoFactorService) SendChannelCode(ctx context.Context, userID, method, challenge string) error {
	if !models.IsChannelMethod(method) {
		return models.ErrBadRequest
	}

	// Challenge first: the error for a missing pending login must not depend
	// on whether the user exists
	if err := s.challenges.Check(ctx, userID, challenge); err != nil {
		return err
	}

	identity, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return s.mapStoreError(err, userID, "load identity for channel code")
	}

	if locked, err := s.IsLocked(ctx, userID, method); err != nil {
		return err
	} else if locked {
		return models.ErrSecondFactorLocked
	}

	code, err := generateChannelCode()
	if err != nil {
		s.logger.Error("failed to generate channel code", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.cache.SetWithTTL(ctx, codeKey(userID, method), code, s.cfg.CodeTTL); err != nil {
		s.logger.Error("failed to cache channel code", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrServiceUnavailable
	}

	if err := s.sender.SendLoginCode(ctx, identity, method, code); err != nil {
		s.logger.Error("failed to deliver channel code",
			slog.String("user_id", userID),
			slog.String("method", method),
			slog.Any("error", err))
		return models.ErrServiceUnavailable
	}

	s.logger.Info("channel code sent",
		slog.String("user_id", userID),
		slog.String("method", method))
	return nil
}

// Verify completes a pending login: the challenge issued by the password
// check must accompany the second-factor code, so a code alone never mints a
// session. On success the challenge is consumed, the failure counter clears,
// and a token pair is issued. Invalid codes bump the per-method failure
// counter; at the threshold the method locks until the window expires. A
// failed code keeps the challenge alive so the user can retry within its TTL.
func (s *TwoFactorService) Verify(ctx context.Context, userID, method, code, challenge string) (*models.TokenPair, error) {
	if err := s.challenges.Check(ctx, userID, challenge); err != nil {
		s.auditLogger.Record(pkglogger.AuditEvent{
			EventType:     "second_factor_failed",
			UserID:        userID,
			Method:        method,
			FailureReason: "no_pending_login",
			Success:       false,
		})
		return nil, err
	}

	identity, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, s.mapStoreError(err, userID, "load identity for second-factor verification")
	}

	if locked, err := s.IsLocked(ctx, userID, method); err != nil {
		return nil, err
	} else if locked {
		s.auditLogger.Record(pkglogger.AuditEvent{
			EventType:     "second_factor_failed",
			UserID:        userID,
			Method:        method,
			FailureReason: "method_locked",
			Success:       false,
		})
		return nil, models.ErrSecondFactorLocked
	}

	var ok bool
	switch {
	case method == models.SecondFactorTOTP:
		ok, err = s.checkTOTPOrBackupCode(ctx, identity, code)
	case models.IsChannelMethod(method):
		ok, err = s.checkChannelCode(ctx, userID, method, code)
	default:
		return nil, models.ErrBadRequest
	}
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, s.recordVerificationFailure(ctx, userID, method)
	}

	// Success consumes the challenge and clears the failure counter and any
	// outstanding channel code
	if err := s.challenges.Consume(ctx, userID); err != nil {
		s.logger.Warn("failed to consume login challenge", slog.String("user_id", userID), slog.Any("error", err))
	}
	if err := s.cache.Delete(ctx, failKey(userID, method)); err != nil {
		s.logger.Warn("failed to clear failure counter", slog.String("user_id", userID), slog.Any("error", err))
	}
	if models.IsChannelMethod(method) {
		if err := s.cache.Delete(ctx, codeKey(userID, method)); err != nil {
			s.logger.Warn("failed to clear consumed channel code", slog.String("user_id", userID), slog.Any("error", err))
		}
	}

	pair, err := s.tokens.IssuePair(ctx, identity)
	if err != nil {
		return nil, err
	}

	s.logger.Info("second factor verified",
		slog.String("user_id", userID),
		slog.String("method", method))
	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType: "second_factor_verified",
		UserID:    userID,
		Method:    method,
		Success:   true,
	})

	return pair, nil
}

// IsLocked reports whether a method's failure counter has reached the
// threshold within the current window. Cache unavailability fails closed.
func (s *TwoFactorService) IsLocked(ctx context.Context, userID, method string) (bool, error) {
	value, err := s.cache.Get(ctx, failKey(userID, method))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return false, nil
		}
		s.logger.Error("failed to read failure counter", slog.String("user_id", userID), slog.Any("error", err))
		return false, models.ErrServiceUnavailable
	}

	count, err := strconv.Atoi(value)
	if err != nil {
		return false, nil
	}

	return count >= s.cfg.FailureThreshold, nil
}

// ResetFailures clears a method's failure counter, unlocking it immediately.
// Exposed for administrative recovery.
func (s *TwoFactorService) ResetFailures(ctx context.Context, userID, method string) error {
	if err := s.cache.Delete(ctx, failKey(userID, method)); err != nil {
		s.logger.Error("failed to reset failure counter", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrServiceUnavailable
	}
	return nil
}

// checkTOTPOrBackupCode accepts either a current TOTP code or an unused
// backup code. A matched backup code is consumed immediately.
func (s *TwoFactorService) checkTOTPOrBackupCode(ctx context.Context, identity *models.Identity, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(identity.TOTPSecretEnc) == 0 {
		return false, nil
	}

	// Six digits is a TOTP code; anything else is tried as a backup code
	if len(code) == 6 {
		valid, err := s.totp.ValidateCode(identity.TOTPSecretEnc, identity.TOTPSecretNonce, code)
		if err != nil {
			s.logger.Error("failed to validate TOTP code", slog.String("user_id", identity.ID), slog.Any("error", err))
			return false, models.ErrInternalServer
		}
		return valid, nil
	}

	code = strings.ToUpper(code)
	for i, hash := range identity.BackupCodeHashes {
		if s.hasher.Compare(hash, code) {
			identity.RemoveBackupCodeHash(i)
			if _, err := s.store.Save(ctx, identity); err != nil {
				s.logger.Error("failed to consume backup code", slog.String("user_id", identity.ID), slog.Any("error", err))
				return false, models.ErrInternalServer
			}
			s.logger.Info("backup code consumed",
				slog.String("user_id", identity.ID),
				slog.Int("remaining", len(identity.BackupCodeHashes)))
			return true, nil
		}
	}

	return false, nil
}

// checkChannelCode compares the submitted code against the cached one. A
// missing cache entry means the code expired, was consumed, or was never
// sent; that is rejected directly without feeding the failure counter, which
// only tracks guesses against a live code.
func (s *TwoFactorService) checkChannelCode(ctx context.Context, userID, method, code string) (bool, error) {
	stored, err := s.cache.Get(ctx, codeKey(userID, method))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			s.auditLogger.Record(pkglogger.AuditEvent{
				EventType:     "second_factor_failed",
				UserID:        userID,
				Method:        method,
				FailureReason: "no_outstanding_code",
				Success:       false,
			})
			return false, models.ErrSecondFactorInvalid
		}
		s.logger.Error("failed to read channel code", slog.String("user_id", userID), slog.Any("error", err))
		return false, models.ErrServiceUnavailable
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) == 1, nil
}

// recordVerificationFailure bumps the method's failure counter and returns
// the error the caller should surface.
func (s *TwoFactorService) recordVerificationFailure(ctx context.Context, userID, method string) error {
	count, err := s.cache.Increment(ctx, failKey(userID, method), s.cfg.FailureWindow)
	if err != nil {
		s.logger.Error("failed to bump failure counter", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrServiceUnavailable
	}

	reason := "invalid_code"
	result := models.ErrSecondFactorInvalid
	if count >= int64(s.cfg.FailureThreshold) {
		reason = "method_locked"
		result = models.ErrSecondFactorLocked
	}

	s.auditLogger.Record(pkglogger.AuditEvent{
		EventType:     "second_factor_failed",
		UserID:        userID,
		Method:        method,
		FailureReason: reason,
		Success:       false,
	})

	return result
}

func (s *TwoFactorService) mapStoreError(err error, userID, action string) error {
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	s.logger.Error("failed to "+action, slog.String("user_id", userID), slog.Any("error", err))
	return models.ErrInternalServer
}

// generateChannelCode produces a uniformly random 6-digit code.
func generateChannelCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
