package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Version conflict on an optimistic save; callers decide whether to retry
	ErrVersionConflict = errors.New("record version conflict")

	// Credential and account state errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")

	// Token lifecycle errors
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	// Password policy errors
	ErrPasswordReused = errors.New("password was used recently")

	// Second factor errors
	ErrSecondFactorRequired = errors.New("second factor verification required")
	ErrSecondFactorInvalid  = errors.New("second factor code invalid or expired")
	ErrSecondFactorLocked   = errors.New("second factor verification locked")

	// Store, cache, or delivery channel unreachable; retryable by the caller
	ErrServiceUnavailable = errors.New("service unavailable")
)

// AccountLockedError reports a temporary lockout along with how long the
// caller should wait before retrying.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is temporarily locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds returns the lockout remainder rounded up to whole seconds,
// suitable for a Retry-After header or response field.
func (e *AccountLockedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// WeakPasswordError carries every strength rule the candidate password failed,
// so a caller can render all violations at once.
type WeakPasswordError struct {
	Violations []string
}

func (e *WeakPasswordError) Error() string {
	if len(e.Violations) == 0 {
		return "password does not meet strength requirements"
	}
	return "weak password: " + strings.Join(e.Violations, "; ")
}
